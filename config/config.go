// Package config 加载 forkfs 的配置
//
// 配置文件通过 --config 参数或 FORKFS_CONFIG 环境变量指定，
// 两者都没有时使用默认配置。路径中可以使用 ${HOME} 这类变量。
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/zqzqsb/forkfs/overlay"
	"github.com/zqzqsb/forkfs/pkg/errdefs"
	"github.com/zqzqsb/forkfs/redirect"
	"github.com/zqzqsb/forkfs/session"
)

// EnvConfig 是指定配置文件的环境变量
const EnvConfig = "FORKFS_CONFIG"

// Config 是 forkfs 的全部配置
type Config struct {
	// StateDir 是会话目录的根，每个会话占用 <state_dir>/<name>
	StateDir string `yaml:"state_dir"`

	// LowerDir 是被沙箱化的根，也是 overlay 的 lowerdir
	LowerDir string `yaml:"lower_dir"`

	// Binds 是挂载 overlay 之后递归绑定到合并视图中的宿主目录
	Binds []string `yaml:"binds"`

	// Excluded 是不做重定向的目录
	Excluded []string `yaml:"excluded"`

	// StayRoot 为 true 时不切换到 sudo 调用者的身份
	StayRoot bool `yaml:"stay_root"`

	// DefaultSession 是未指定会话时使用的名称
	DefaultSession string `yaml:"default_session"`
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		StateDir:       session.DefaultRoot(),
		LowerDir:       "/",
		Binds:          append([]string(nil), overlay.DefaultBinds...),
		Excluded:       append([]string(nil), redirect.DefaultExcluded...),
		DefaultSession: session.DefaultName,
	}
}

// Load 加载配置：path 为空时使用 FORKFS_CONFIG，仍为空时返回默认配置
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile 从指定文件加载配置，文件中没有出现的字段保持默认值
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, errdefs.New(errdefs.KindSetupRequired, "load config", err).WithPath(path)
	}
	cfg.expandVariables()
	if err := cfg.Validate(); err != nil {
		return nil, errdefs.New(errdefs.KindSetupRequired, "load config", err).WithPath(path)
	}
	return cfg, nil
}

// loadFile 读取并解析配置文件，未知字段视为错误
func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// expandVariables 展开路径中的 ${VAR} 和 ${VAR:-default}
func (c *Config) expandVariables() {
	c.StateDir = expandVars(c.StateDir)
	c.LowerDir = expandVars(c.LowerDir)
	for i := range c.Binds {
		c.Binds[i] = expandVars(c.Binds[i])
	}
	for i := range c.Excluded {
		c.Excluded[i] = expandVars(c.Excluded[i])
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate 检查配置，返回所有问题
func (c *Config) Validate() error {
	var errs []error

	if !filepath.IsAbs(c.StateDir) {
		errs = append(errs, fmt.Errorf("state_dir must be an absolute path: %q", c.StateDir))
	}
	if !filepath.IsAbs(c.LowerDir) {
		errs = append(errs, fmt.Errorf("lower_dir must be an absolute path: %q", c.LowerDir))
	}
	for _, b := range c.Binds {
		if !filepath.IsAbs(b) {
			errs = append(errs, fmt.Errorf("binds: %q is not an absolute path", b))
		}
	}
	for _, e := range c.Excluded {
		if !filepath.IsAbs(e) {
			errs = append(errs, fmt.Errorf("excluded: %q is not an absolute path", e))
		}
	}
	if err := session.ValidateName(c.DefaultSession); err != nil {
		errs = append(errs, fmt.Errorf("default_session: %w", err))
	}
	if filepath.Clean(c.StateDir) == filepath.Clean(c.LowerDir) {
		errs = append(errs, fmt.Errorf("state_dir must not be lower_dir"))
	}

	return errors.Join(errs...)
}
