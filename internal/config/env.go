package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// envOverrides mirrors the settings that may be overridden from the
// environment. Nil fields were not set. Tags carry the full variable name
// so envconfig never falls back to an unprefixed one.
type envOverrides struct {
	Platform     *string `envconfig:"APACK_PLATFORM"`
	Output       *string `envconfig:"APACK_OUTPUT"`
	Debug        *bool   `envconfig:"APACK_DEBUG"`
	MD5Cache     *bool   `envconfig:"APACK_MD5_CACHE"`
	InlineImages *bool   `envconfig:"APACK_INLINE_IMAGES"`
	NoCache      *bool   `envconfig:"APACK_NO_CACHE"`
	Concurrency  *int    `envconfig:"APACK_CONCURRENCY"`
	Template     *string `envconfig:"APACK_TEMPLATE"`
	EngineDir    *string `envconfig:"APACK_ENGINE_DIR"`
	Library      *string `envconfig:"APACK_LIBRARY"`
	Cache        *string `envconfig:"APACK_CACHE"`
	WorkerExe    *string `envconfig:"APACK_WORKER_EXE"`
	IdleTimeout  *string `envconfig:"APACK_WORKER_IDLE_TIMEOUT"`
	MetricsURL   *string `envconfig:"APACK_METRICS_URL"`
	LogsURL      *string `envconfig:"APACK_LOGS_URL"`
}

// ApplyEnv overrides settings of p from APACK_* environment variables,
// e.g. APACK_DEBUG=true or APACK_PLATFORM=android.
func ApplyEnv(p *Project) error {
	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("%w: environment: %v", ErrConfig, err)
	}
	setString(&p.Build.Platform, env.Platform)
	setString(&p.Build.Output, env.Output)
	setBool(&p.Build.Debug, env.Debug)
	setBool(&p.Build.MD5Cache, env.MD5Cache)
	setBool(&p.Build.InlineImages, env.InlineImages)
	setBool(&p.Build.NoCache, env.NoCache)
	if env.Concurrency != nil {
		p.Build.Concurrency = *env.Concurrency
	}
	setString(&p.Build.Template, env.Template)
	setString(&p.Build.EngineDir, env.EngineDir)
	setString(&p.Project.Library, env.Library)
	setString(&p.Project.Cache, env.Cache)
	setString(&p.Worker.Exe, env.WorkerExe)
	setString(&p.Worker.IdleTimeout, env.IdleTimeout)
	setString(&p.Telemetry.MetricsURL, env.MetricsURL)
	setString(&p.Telemetry.LogsURL, env.LogsURL)
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
