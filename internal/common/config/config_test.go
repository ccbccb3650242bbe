package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithPathAppliesDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Persistence.Driver)
	assert.Equal(t, "", cfg.NATS.URL)
	assert.Equal(t, 5, cfg.Executor.MaxConcurrent)
	assert.Equal(t, 15, cfg.Scheduler.SweepIntervalSeconds)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadWithPathEnvOverride(t *testing.T) {
	t.Setenv("ORC_PERSISTENCE_DRIVER", "sqlite")
	t.Setenv("ORC_LOG_LEVEL", "debug")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Persistence.Driver)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := &Config{
		Server:    ServerConfig{Port: 70000},
		Scheduler: SchedulerConfig{SweepIntervalSeconds: 15},
		Logging:   LoggingConfig{Level: "info", Format: "json"},
		Persistence: PersistenceConfig{
			Driver: "memory",
		},
	}
	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
}

func TestValidateRequiresPostgresFields(t *testing.T) {
	cfg := &Config{
		Server:      ServerConfig{Port: 8080},
		Scheduler:   SchedulerConfig{SweepIntervalSeconds: 15},
		Logging:     LoggingConfig{Level: "info", Format: "json"},
		Persistence: PersistenceConfig{Driver: "postgres"},
	}
	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persistence.user")
	assert.Contains(t, err.Error(), "persistence.dbName")
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	cfg := &Config{
		Server:      ServerConfig{Port: 8080},
		Scheduler:   SchedulerConfig{SweepIntervalSeconds: 15},
		Logging:     LoggingConfig{Level: "info", Format: "json"},
		Persistence: PersistenceConfig{Driver: "mongodb"},
	}
	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persistence.driver")
}

func TestServerConfigHelpers(t *testing.T) {
	s := ServerConfig{Host: "127.0.0.1", Port: 9000, ReadTimeout: 10, WriteTimeout: 20}
	assert.Equal(t, "127.0.0.1:9000", s.Addr())
	assert.Equal(t, int64(10e9), s.ReadTimeoutDuration().Nanoseconds())
	assert.Equal(t, int64(20e9), s.WriteTimeoutDuration().Nanoseconds())
}

func TestExecutorConfigKillGrace(t *testing.T) {
	e := ExecutorConfig{KillGraceSeconds: 5}
	assert.Equal(t, int64(5e9), e.KillGrace().Nanoseconds())
}

func TestSchedulerConfigSweepInterval(t *testing.T) {
	s := SchedulerConfig{SweepIntervalSeconds: 30}
	assert.Equal(t, int64(30e9), s.SweepInterval().Nanoseconds())
}

func TestPersistenceConfigDSN(t *testing.T) {
	p := PersistenceConfig{Host: "localhost", Port: 5432, User: "u", Password: "p", DBName: "db", SSLMode: "disable"}
	assert.Equal(t, "host=localhost port=5432 user=u password=p dbname=db sslmode=disable", p.DSN())
}
