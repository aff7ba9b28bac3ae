// Package config provides configuration loading and path management.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/statengine/statmcp/pkg/types"
)

// Load loads configuration from multiple sources (priority order):
// 1. Global config (~/.config/statmcp/)
// 2. Project config (<directory>/statmcp.json[c] or <directory>/.statmcp/)
// 3. STATMCP_CONFIG file
// 4. Environment variables
func Load(directory string) (*types.Config, error) {
	config := Default()

	// Track loaded files to avoid duplicates
	loaded := make(map[string]bool)

	loadOnce := func(path string, baseDir string) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return
		}
		if loaded[absPath] {
			return
		}
		if loadConfigFile(path, config, baseDir) == nil {
			loaded[absPath] = true
		}
	}

	// 1. Global config
	globalPath := GetPaths().Config
	loadOnce(filepath.Join(globalPath, "statmcp.json"), globalPath)
	loadOnce(filepath.Join(globalPath, "statmcp.jsonc"), globalPath)

	// 2. Project config
	if directory != "" {
		projectConfigDir := filepath.Join(directory, ".statmcp")
		loadOnce(filepath.Join(directory, "statmcp.json"), directory)
		loadOnce(filepath.Join(directory, "statmcp.jsonc"), directory)
		loadOnce(filepath.Join(projectConfigDir, "statmcp.json"), projectConfigDir)
		loadOnce(filepath.Join(projectConfigDir, "statmcp.jsonc"), projectConfigDir)
	}

	// 3. STATMCP_CONFIG file override
	if configPath := os.Getenv("STATMCP_CONFIG"); configPath != "" {
		loadOnce(configPath, filepath.Dir(configPath))
	}

	// 4. Environment variables (highest priority)
	applyEnvOverrides(config)

	return config, nil
}

// Default returns the built-in defaults. Every zero value a config file may
// leave behind is filled in here, so downstream code never re-checks.
func Default() *types.Config {
	return &types.Config{
		Engine: types.EngineConfig{
			Profile:      "r",
			SpawnRetries: 3,
		},
		Pool: types.PoolConfig{
			Capacity:        8,
			IdleTimeoutMs:   30 * 60 * 1000,
			ReapIntervalMs:  60 * 1000,
			QueueDepth:      16,
			ShutdownGraceMs: 10 * 1000,
		},
		Dispatch: types.DispatchConfig{
			CommandTimeoutMs: 30 * 1000,
			FileTimeoutMs:    5 * 60 * 1000,
			MaxTimeoutMs:     30 * 60 * 1000,
		},
		Warmup: types.WarmupConfig{
			TimeoutMs: 60 * 1000,
		},
		Server: types.ServerConfig{
			Port:       8391,
			EnableCORS: true,
		},
		Log: types.LogConfig{
			Level: "INFO",
		},
		DataDir: GetPaths().Data,
	}
}

// loadConfigFile loads a single config file with interpolation support.
func loadConfigFile(path string, config *types.Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err // File doesn't exist, skip
	}

	// Strip JSONC comments using tidwall/jsonc
	data = jsonc.ToJSON(data)

	// Apply interpolation
	data = interpolate(data, baseDir)

	var fileConfig types.Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	mergeConfig(config, &fileConfig)
	return nil
}

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string) []byte {
	str := string(data)

	envPattern := regexp.MustCompile(`\{env:([^}]+)\}`)
	str = envPattern.ReplaceAllStringFunc(str, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})

	filePattern := regexp.MustCompile(`\{file:([^}]+)\}`)
	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]
		if strings.HasPrefix(filePath, "~/") {
			filePath = filepath.Join(os.Getenv("HOME"), filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}
		content, err := os.ReadFile(filePath)
		if err != nil {
			return match // Keep original if file not found
		}
		return jsonEscape(strings.TrimSpace(string(content)))
	})

	return []byte(str)
}

func jsonEscape(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\r", "\\r")
	s = strings.ReplaceAll(s, "\t", "\\t")
	return s
}

// applyEnvOverrides applies STATMCP_* environment variables on top of the
// merged file configuration.
func applyEnvOverrides(config *types.Config) {
	if v := os.Getenv("STATMCP_ENGINE_PROFILE"); v != "" {
		config.Engine.Profile = v
	}
	if v := os.Getenv("STATMCP_ENGINE_BINARY"); v != "" {
		config.Engine.Binary = v
	}
	if v := os.Getenv("STATMCP_DATA_DIR"); v != "" {
		config.DataDir = v
	}
	if v := os.Getenv("STATMCP_LOG_LEVEL"); v != "" {
		config.Log.Level = v
	}
	if v, ok := envInt("STATMCP_POOL_CAPACITY"); ok {
		config.Pool.Capacity = v
	}
	if v, ok := envInt("STATMCP_POOL_IDLE_TIMEOUT_MS"); ok {
		config.Pool.IdleTimeoutMs = v
	}
	if v, ok := envInt("STATMCP_PORT"); ok {
		config.Server.Port = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// mergeConfig merges source config into target. Scalars overwrite when set,
// slices replace wholesale, nested sections merge field by field.
func mergeConfig(target, source *types.Config) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}
	if source.DataDir != "" {
		target.DataDir = source.DataDir
	}

	if source.Engine.Profile != "" {
		target.Engine.Profile = source.Engine.Profile
	}
	if source.Engine.Binary != "" {
		target.Engine.Binary = source.Engine.Binary
	}
	if source.Engine.ProfilesFile != "" {
		target.Engine.ProfilesFile = source.Engine.ProfilesFile
	}
	if source.Engine.SpawnRetries != 0 {
		target.Engine.SpawnRetries = source.Engine.SpawnRetries
	}

	if source.Pool.Capacity != 0 {
		target.Pool.Capacity = source.Pool.Capacity
	}
	if source.Pool.IdleTimeoutMs != 0 {
		target.Pool.IdleTimeoutMs = source.Pool.IdleTimeoutMs
	}
	if source.Pool.MaxLifetimeMs != 0 {
		target.Pool.MaxLifetimeMs = source.Pool.MaxLifetimeMs
	}
	if source.Pool.ReapIntervalMs != 0 {
		target.Pool.ReapIntervalMs = source.Pool.ReapIntervalMs
	}
	if source.Pool.QueueDepth != 0 {
		target.Pool.QueueDepth = source.Pool.QueueDepth
	}
	if source.Pool.ShutdownGraceMs != 0 {
		target.Pool.ShutdownGraceMs = source.Pool.ShutdownGraceMs
	}

	if source.Warmup.Disabled {
		target.Warmup.Disabled = true
	}
	if source.Warmup.Command != "" {
		target.Warmup.Command = source.Warmup.Command
	}
	if source.Warmup.DisableGraphicsOnFailure {
		target.Warmup.DisableGraphicsOnFailure = true
	}
	if source.Warmup.TimeoutMs != 0 {
		target.Warmup.TimeoutMs = source.Warmup.TimeoutMs
	}

	if source.Dispatch.CommandTimeoutMs != 0 {
		target.Dispatch.CommandTimeoutMs = source.Dispatch.CommandTimeoutMs
	}
	if source.Dispatch.FileTimeoutMs != 0 {
		target.Dispatch.FileTimeoutMs = source.Dispatch.FileTimeoutMs
	}
	if source.Dispatch.MaxTimeoutMs != 0 {
		target.Dispatch.MaxTimeoutMs = source.Dispatch.MaxTimeoutMs
	}
	if source.Dispatch.AllowedScripts != nil {
		target.Dispatch.AllowedScripts = source.Dispatch.AllowedScripts
	}

	if source.Server.Port != 0 {
		target.Server.Port = source.Server.Port
	}
	if source.Server.EnableCORS {
		target.Server.EnableCORS = true
	}

	if source.Log.Level != "" {
		target.Log.Level = source.Log.Level
	}
	if source.Log.Pretty {
		target.Log.Pretty = true
	}
}
