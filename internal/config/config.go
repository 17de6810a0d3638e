// Package config implements YAML configuration loading and validation for
// bkoverssh (A1): one top-level AppConf per hub process, and one ServerSpec
// per fleet member, each its own YAML document.
package config

import (
	"fmt"
)

// AppRole is a hub process's role in the fleet.
type AppRole string

// Roles a hub process may run as.
const (
	RoleController  AppRole = "controller"
	RoleLeaf        AppRole = "leaf"
	RolePullHub     AppRole = "pull_hub"
	RoleReceiveHub  AppRole = "receive_hub"
	RolePassiveLeaf AppRole = "passive_leaf"
	RoleActiveLeaf  AppRole = "active_leaf"
)

func (r AppRole) valid() bool {
	switch r {
	case RoleController, RoleLeaf, RolePullHub, RoleReceiveHub, RolePassiveLeaf, RoleActiveLeaf:
		return true
	default:
		return false
	}
}

// LogConf controls log destination and per-module verbosity.
type LogConf struct {
	LogFile        string   `yaml:"log_file"`
	VerboseModules []string `yaml:"verbose_modules"`
}

// MailConf is SMTP configuration for run-completion notifications.
type MailConf struct {
	From       string   `yaml:"from"`
	Username   string   `yaml:"username"`
	Password   string   `yaml:"password"`
	Hostname   string   `yaml:"hostname"`
	Port       uint16   `yaml:"port"`
	Recipients []string `yaml:"recipients"`
}

// Enabled reports whether mail notification is configured at all.
func (m MailConf) Enabled() bool {
	return m.Hostname != ""
}

// AppConf is the top-level hub configuration document.
type AppConf struct {
	DataDir string `yaml:"data_dir"`
	LogConf LogConf `yaml:"log_conf"`
	MailConf MailConf `yaml:"mail_conf"`
	Role    AppRole  `yaml:"role"`
	// ArchiveCmd is a command template (tokens "archive_file_name",
	// "files_and_dirs") run after a directory's transfers complete, to
	// package or rotate the synced tree. See internal/archive.
	ArchiveCmd []string `yaml:"archive_cmd"`
	// ScheduleRetentionDays bounds how long done schedule_done rows are
	// kept before Scheduler prunes them (spec.md Open Question iii).
	ScheduleRetentionDays int `yaml:"schedule_retention_days"`
	BufLen                int  `yaml:"buf_len"`
	SkipCron              bool `yaml:"skip_cron"`
	SkipSha1              bool `yaml:"skip_sha1"`
}

// DefaultScheduleRetentionDays is used when AppConf.ScheduleRetentionDays is
// zero or negative.
const DefaultScheduleRetentionDays = 30

// Validate fills in defaults and rejects structurally invalid configuration.
func (c *AppConf) Validate() error {
	if c.DataDir == "" {
		c.DataDir = "data"
	}

	if c.Role == "" {
		c.Role = RoleController
	}

	if !c.Role.valid() {
		return fmt.Errorf("config: unknown role %q", c.Role)
	}

	if c.ScheduleRetentionDays <= 0 {
		c.ScheduleRetentionDays = DefaultScheduleRetentionDays
	}

	return nil
}

// PruneStrategy holds how many generational archive snapshots to retain
// (yearly/monthly/weekly/daily/hourly/minutely). It is parsed and defaulted
// here only; internal/archive does not read it and nothing prunes by it.
type PruneStrategy struct {
	Yearly   uint8 `yaml:"yearly"`
	Monthly  uint8 `yaml:"monthly"`
	Weekly   uint8 `yaml:"weekly"`
	Daily    uint8 `yaml:"daily"`
	Hourly   uint8 `yaml:"hourly"`
	Minutely uint8 `yaml:"minutely"`
}

// DefaultPruneStrategy matches the original implementation's per-field
// defaults (one generation kept at every granularity except weekly).
func DefaultPruneStrategy() PruneStrategy {
	return PruneStrategy{Yearly: 1, Monthly: 1, Weekly: 0, Daily: 1, Hourly: 1, Minutely: 1}
}

// AuthMethod selects how ServerSpec authenticates its SSH connection.
type AuthMethod struct {
	Password     string `yaml:"password,omitempty"`
	Agent        bool   `yaml:"agent,omitempty"`
	IdentityFile string `yaml:"identity_file,omitempty"`
}

// Kind classifies which of the three AuthMethod fields is set; exactly one
// must be.
func (a AuthMethod) Kind() (string, error) {
	set := 0
	kind := ""

	if a.Password != "" {
		set++
		kind = "password"
	}

	if a.Agent {
		set++
		kind = "agent"
	}

	if a.IdentityFile != "" {
		set++
		kind = "identity_file"
	}

	if set != 1 {
		return "", fmt.Errorf("config: auth must set exactly one of password/agent/identity_file, got %d", set)
	}

	return kind, nil
}

// Directory is one local/remote directory pair a ServerSpec synchronizes.
type Directory struct {
	LocalDir  string   `yaml:"local_dir"`
	RemoteDir string   `yaml:"remote_dir"`
	Includes  []string `yaml:"includes"`
	Excludes  []string `yaml:"excludes"`
}

func (d Directory) validate() error {
	if d.RemoteDir == "" {
		return fmt.Errorf("config: directory missing remote_dir")
	}

	if d.LocalDir == "" {
		return fmt.Errorf("config: directory %s missing local_dir", d.RemoteDir)
	}

	return nil
}

// ScheduleItem binds a named task to a standard 5-field cron expression.
type ScheduleItem struct {
	Task string `yaml:"task"`
	Cron string `yaml:"cron"`
}

// ServerSpec is one fleet member's full sync configuration.
type ServerSpec struct {
	Host       string        `yaml:"host"`
	Port       int           `yaml:"port"`
	User       string        `yaml:"user"`
	Auth       AuthMethod    `yaml:"auth"`
	RemoteExec string        `yaml:"remote_exec"`
	BufLen     int           `yaml:"buf_len"`
	// RsyncValve is the byte threshold above which Rsync delta mode is
	// attempted; files smaller than this always use whole-file Sftp.
	RsyncValve      uint64         `yaml:"rsync_valve"`
	BlockSize       uint32         `yaml:"block_size"`
	ParallelFiles   int            `yaml:"parallel_files"`
	MaxParallelFiles int           `yaml:"max_parallel_files"`
	FileRetries     int            `yaml:"file_retries"`
	ExecTimeoutSecs int            `yaml:"exec_timeout_secs"`
	IdleTimeoutSecs int            `yaml:"transfer_idle_timeout_secs"`
	SkipSha1        bool           `yaml:"skip_sha1"`
	UseRsync        bool           `yaml:"use_rsync"`
	CatchUp         bool           `yaml:"catch_up"`
	Directories     []Directory    `yaml:"directories"`
	Schedules       []ScheduleItem `yaml:"schedules"`
	PruneStrategy   PruneStrategy  `yaml:"prune_strategy"`
}

// DefaultRsyncValve matches the original implementation's 1 MiB threshold.
const DefaultRsyncValve = 1 << 20

// DefaultBlockSize is DeltaEngine's default signature block size.
const DefaultBlockSize = 4096

// Validate fills in defaults and rejects structurally invalid ServerSpecs.
func (s *ServerSpec) Validate() error {
	if s.Host == "" {
		return fmt.Errorf("config: server missing host")
	}

	if _, err := s.Auth.Kind(); err != nil {
		return fmt.Errorf("config: server %s: %w", s.Host, err)
	}

	if s.RemoteExec == "" {
		return fmt.Errorf("config: server %s: missing remote_exec", s.Host)
	}

	if len(s.Directories) == 0 {
		return fmt.Errorf("config: server %s: no directories configured", s.Host)
	}

	for i, d := range s.Directories {
		if err := d.validate(); err != nil {
			return fmt.Errorf("config: server %s: directory[%d]: %w", s.Host, i, err)
		}
	}

	if s.Port == 0 {
		s.Port = 22
	}

	if s.RsyncValve == 0 {
		s.RsyncValve = DefaultRsyncValve
	}

	if s.BlockSize == 0 {
		s.BlockSize = DefaultBlockSize
	}

	if s.ParallelFiles <= 0 {
		s.ParallelFiles = 1
	}

	if s.MaxParallelFiles > 0 && s.ParallelFiles > s.MaxParallelFiles {
		s.ParallelFiles = s.MaxParallelFiles
	}

	if s.FileRetries <= 0 {
		s.FileRetries = 2
	}

	if s.ExecTimeoutSecs <= 0 {
		s.ExecTimeoutSecs = 30
	}

	if s.IdleTimeoutSecs <= 0 {
		s.IdleTimeoutSecs = 60
	}

	if (s.PruneStrategy == PruneStrategy{}) {
		s.PruneStrategy = DefaultPruneStrategy()
	}

	return nil
}
