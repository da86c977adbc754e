package config

import (
	"bytes"
	"fmt"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models alertdesk.yml.
type Config struct {
	Server struct {
		Addr      string   `yaml:"addr" json:"addr"`
		BasePath  string   `yaml:"base_path" json:"base_path"`
		JWTSecret string   `yaml:"jwt_secret" json:"-"`
		TokenTTL  Duration `yaml:"token_ttl" json:"token_ttl"`
	} `yaml:"server" json:"server"`
	Database struct {
		Workspace string `yaml:"workspace" json:"workspace"`
		Path      string `yaml:"path" json:"path,omitempty"`
	} `yaml:"database" json:"database"`
	Storage struct {
		UploadDir   string `yaml:"upload_dir" json:"upload_dir"`
		PublicPath  string `yaml:"public_path" json:"public_path"`
		MaxUploadMB int    `yaml:"max_upload_mb" json:"max_upload_mb"`
	} `yaml:"storage" json:"storage"`
	Mail MailConfig `yaml:"mail" json:"mail"`
	OTP  OTPConfig  `yaml:"otp" json:"otp"`
	Log  LogConfig  `yaml:"log" json:"log"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles" json:"roles"`
	} `yaml:"rbac" json:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

type MailConfig struct {
	Mode     string `yaml:"mode" json:"mode"`
	Host     string `yaml:"host" json:"host,omitempty"`
	Port     int    `yaml:"port" json:"port,omitempty"`
	Username string `yaml:"username" json:"username,omitempty"`
	Password string `yaml:"password" json:"-"`
	From     string `yaml:"from" json:"from"`
}

type OTPConfig struct {
	Store string `yaml:"store" json:"store"`
	TTL   struct {
		DepartmentVerify Duration `yaml:"department_verify" json:"department_verify"`
		OfficerVerify    Duration `yaml:"officer_verify" json:"officer_verify"`
		ProfileUpdate    Duration `yaml:"profile_update" json:"profile_update"`
		ForgotPassword   Duration `yaml:"forgot_password" json:"forgot_password"`
	} `yaml:"ttl" json:"ttl"`
	SweepInterval Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

type LogConfig struct {
	Level      string `yaml:"level" json:"level"`
	Format     string `yaml:"format" json:"format"`
	File       string `yaml:"file" json:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days,omitempty"`
	Compress   bool   `yaml:"compress" json:"compress,omitempty"`
}

type RBACRole struct {
	Description string   `yaml:"description" json:"description"`
	Permissions []string `yaml:"permissions" json:"permissions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// Duration is a time.Duration that reads "5m" style strings from YAML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

var knownRoles = []string{"main_admin", "nodal", "department", "officer"}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Server.TokenTTL.Duration <= 0 {
		return fmt.Errorf("config.server.token_ttl must be positive")
	}
	if c.Storage.UploadDir == "" {
		return fmt.Errorf("config.storage.upload_dir is required")
	}
	if c.Storage.MaxUploadMB <= 0 {
		return fmt.Errorf("config.storage.max_upload_mb must be positive")
	}
	switch c.Mail.Mode {
	case "log":
	case "smtp":
		if c.Mail.Host == "" || c.Mail.Port == 0 {
			return fmt.Errorf("config.mail.host and config.mail.port are required for smtp mode")
		}
	default:
		return fmt.Errorf("config.mail.mode must be 'smtp' or 'log'")
	}
	if _, err := mail.ParseAddress(c.Mail.From); err != nil {
		return fmt.Errorf("config.mail.from: %w", err)
	}
	switch c.OTP.Store {
	case "memory", "sql":
	default:
		return fmt.Errorf("config.otp.store must be 'memory' or 'sql'")
	}
	ttls := map[string]time.Duration{
		"department_verify": c.OTP.TTL.DepartmentVerify.Duration,
		"officer_verify":    c.OTP.TTL.OfficerVerify.Duration,
		"profile_update":    c.OTP.TTL.ProfileUpdate.Duration,
		"forgot_password":   c.OTP.TTL.ForgotPassword.Duration,
	}
	for name, ttl := range ttls {
		if ttl <= 0 {
			return fmt.Errorf("config.otp.ttl.%s must be positive", name)
		}
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be 'text' or 'json'")
	}
	for _, role := range knownRoles {
		if _, ok := c.RBAC.Roles[role]; !ok {
			return fmt.Errorf("config.rbac.roles must include %s", role)
		}
	}
	for roleID, role := range c.RBAC.Roles {
		for _, perm := range role.Permissions {
			if strings.TrimSpace(perm) == "" {
				return fmt.Errorf("role %s has empty permission id", roleID)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "alertdesk.yml")
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// Load reads the config file, falling back to defaults when it does not exist.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			return cfg, cfg.Validate()
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses config on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

const defaultTemplate = `server:
  addr: 127.0.0.1:4000
  base_path: /v1
  jwt_secret: ""
  token_ttl: 12h

database:
  workspace: .

storage:
  upload_dir: uploads
  public_path: /uploads
  max_upload_mb: 20

mail:
  mode: log
  host: ""
  port: 587
  username: ""
  password: ""
  from: "Alert Desk <no-reply@alertdesk.local>"

otp:
  store: memory
  ttl:
    department_verify: 5m
    officer_verify: 5m
    profile_update: 5m
    forgot_password: 10m
  sweep_interval: 1m

log:
  level: info
  format: text

rbac:
  roles:
    main_admin:
      description: "Main administrator; reviews nodal registrations"
      permissions:
        - nodal.review
        - department.create
        - department.read
        - officer.read
        - task.create
        - task.read
        - task.approve
        - work.read
        - notification.manage
        - event.read
    nodal:
      description: "Nodal officer; registers letters and approves resolutions"
      permissions:
        - department.create
        - department.read
        - officer.read
        - task.create
        - task.read
        - task.approve
        - work.read
    department:
      description: "Department; triages letters and assigns officers"
      permissions:
        - department.read
        - officer.register
        - officer.read
        - task.read
        - task.progress
        - task.report
        - task.assign
        - work.read
        - work.update
    officer:
      description: "Officer; files reports against assigned work"
      permissions:
        - task.read
        - work.read
        - work.update
        - work.report
`
