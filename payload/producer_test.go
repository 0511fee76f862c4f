package payload

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildUnknownKind(t *testing.T) {
	_, err := Build("docker-teleport", Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestKindsRegistered(t *testing.T) {
	kinds := Kinds()
	assert.Contains(t, kinds, "docker-volume")
	assert.Contains(t, kinds, "docker-db")
	assert.IsNonDecreasing(t, kinds)
}

func TestBuildAllEmptyConfig(t *testing.T) {
	producers, err := BuildAll(Config{})
	require.NoError(t, err)
	assert.Empty(t, producers)
}

func TestBuildAllConstructsProducers(t *testing.T) {
	cfg := Config{
		Volumes: []string{"grafana-data", "pg-data"},
		Databases: []DatabaseSpec{
			{Container: "postgres", Engine: "postgres", Name: "app"},
		},
	}

	producers, err := BuildAll(cfg)
	require.NoError(t, err)
	require.Len(t, producers, 3)

	kinds := make(map[string]int)
	for _, p := range producers {
		kinds[p.Kind()]++
	}
	assert.Equal(t, 1, kinds["docker-db"])
	assert.Equal(t, 2, kinds["docker-volume"])
}

func TestVolumeProducerDescribe(t *testing.T) {
	p := &VolumeProducer{volume: "grafana-data"}
	assert.Equal(t, "docker-volume", p.Kind())
	assert.Equal(t, "docker volume grafana-data", p.Describe())
	assert.Equal(t, "grafana-data.tar.gz", p.archiveName())
}

func TestVolumeRestoreMissingArchive(t *testing.T) {
	p := &VolumeProducer{volume: "grafana-data"}
	err := p.Restore(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "volume backup for grafana-data")
}

func TestDatabaseProducerUserDefaults(t *testing.T) {
	tests := []struct {
		name string
		spec DatabaseSpec
		want string
	}{
		{
			name: "explicit user wins",
			spec: DatabaseSpec{Engine: "postgres", User: "admin"},
			want: "admin",
		},
		{
			name: "postgres default",
			spec: DatabaseSpec{Engine: "postgres"},
			want: "postgres",
		},
		{
			name: "mysql default",
			spec: DatabaseSpec{Engine: "mysql"},
			want: "root",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &DatabaseProducer{spec: tt.spec}
			assert.Equal(t, tt.want, p.user())
		})
	}
}

func TestDatabaseProducerUnsupportedEngine(t *testing.T) {
	p := &DatabaseProducer{spec: DatabaseSpec{Container: "db", Engine: "sqlite", Name: "app"}}

	_, err := p.Capture(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database engine")

	err = p.Restore(context.Background(), t.TempDir())
	require.Error(t, err)
}

func TestDatabaseProducerDumpName(t *testing.T) {
	p := &DatabaseProducer{spec: DatabaseSpec{Container: "postgres", Engine: "postgres", Name: "app"}}
	assert.Equal(t, "postgres-app.sql", p.dumpName())
	assert.Contains(t, p.Describe(), "postgres database app")
}
