package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const defaultLicensingMode = "PER_SEAT"

var licensingModes = map[string]struct{}{
	"FREE":        {},
	"PER_SEAT":    {},
	"TENANT_WIDE": {},
}

// LicensingPolicy selects the capacity accounting mode per application.
type LicensingPolicy struct {
	DefaultMode  string                       `mapstructure:"defaultMode"`
	Applications map[string]ApplicationPolicy `mapstructure:"applications"`
}

type ApplicationPolicy struct {
	Mode string `mapstructure:"mode"`
}

func DefaultLicensingPolicy() LicensingPolicy {
	return LicensingPolicy{
		DefaultMode:  defaultLicensingMode,
		Applications: map[string]ApplicationPolicy{},
	}
}

type PolicyHolder struct {
	current atomic.Value // holds LicensingPolicy
	log     *zap.Logger
}

// NewPolicyHolder reads licensing.yml and keeps it current while the file changes.
// A missing file falls back to DefaultLicensingPolicy.
func NewPolicyHolder(cfg Config, log *zap.Logger) (*PolicyHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	v := viper.New()

	if cfg.PolicyPath != "" {
		v.SetConfigFile(cfg.PolicyPath)
	} else {
		v.SetConfigName("licensing")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/licensepool")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("LICENSEPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultLicensingPolicy()
	v.SetDefault("licensing.defaultMode", defaults.DefaultMode)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileFound = false
	}

	policy, err := decodePolicy(v)
	if err != nil {
		return nil, err
	}

	holder := &PolicyHolder{log: log.Named("config.policy")}
	holder.current.Store(policy)

	if fileFound {
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decodePolicy(v)
			if err != nil {
				holder.log.Warn("licensing policy reload ignored", zap.String("file", e.Name), zap.Error(err))
				return
			}
			holder.current.Store(updated)
			holder.log.Info("licensing policy reloaded", zap.String("file", e.Name))
		})
		v.WatchConfig()
	}

	return holder, nil
}

// NewStaticPolicyHolder wraps a fixed policy.
func NewStaticPolicyHolder(policy LicensingPolicy) (*PolicyHolder, error) {
	normalized, err := normalizePolicy(policy)
	if err != nil {
		return nil, err
	}
	holder := &PolicyHolder{log: zap.NewNop()}
	holder.current.Store(normalized)
	return holder, nil
}

func (h *PolicyHolder) Get() LicensingPolicy {
	return h.current.Load().(LicensingPolicy)
}

func (h *PolicyHolder) DefaultMode() string {
	if h == nil {
		return defaultLicensingMode
	}
	return h.Get().DefaultMode
}

// ModeFor returns the override for applicationID, or "" when none is configured.
// Keys are matched case-insensitively because viper lowercases map keys.
func (h *PolicyHolder) ModeFor(applicationID string) string {
	if h == nil {
		return ""
	}
	app, ok := h.Get().Applications[strings.ToLower(strings.TrimSpace(applicationID))]
	if !ok {
		return ""
	}
	return app.Mode
}

func decodePolicy(v *viper.Viper) (LicensingPolicy, error) {
	var policy LicensingPolicy
	if err := v.UnmarshalKey("licensing", &policy); err != nil {
		return LicensingPolicy{}, err
	}
	return normalizePolicy(policy)
}

func normalizePolicy(policy LicensingPolicy) (LicensingPolicy, error) {
	out := LicensingPolicy{
		DefaultMode:  strings.ToUpper(strings.TrimSpace(policy.DefaultMode)),
		Applications: make(map[string]ApplicationPolicy, len(policy.Applications)),
	}
	if out.DefaultMode == "" {
		out.DefaultMode = defaultLicensingMode
	}
	if _, ok := licensingModes[out.DefaultMode]; !ok {
		return LicensingPolicy{}, fmt.Errorf("licensing.defaultMode: unsupported mode %q", policy.DefaultMode)
	}
	for appID, app := range policy.Applications {
		mode := strings.ToUpper(strings.TrimSpace(app.Mode))
		if _, ok := licensingModes[mode]; !ok {
			return LicensingPolicy{}, fmt.Errorf("licensing.applications.%s.mode: unsupported mode %q", appID, app.Mode)
		}
		out.Applications[strings.ToLower(strings.TrimSpace(appID))] = ApplicationPolicy{Mode: mode}
	}
	return out, nil
}
