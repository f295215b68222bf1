package main

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// loadConfigFile reads a flat YAML map of settings. Values from the file take
// precedence over the environment; a missing file is not an error.
func loadConfigFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	parsed := make(map[string]string)
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return err
	}

	configMutex.Lock()
	defer configMutex.Unlock()

	// Full reload: keys removed from the file fall back to the environment
	for k := range configMap {
		delete(configMap, k)
	}
	for k, v := range parsed {
		configMap[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return nil
}

func getEnv(k, f string) string {
	configMutex.RLock()
	if v, ok := configMap[k]; ok {
		configMutex.RUnlock()
		return v
	}
	configMutex.RUnlock()

	if v := os.Getenv(k); v != "" {
		return v
	}
	return f
}

func getEnvInt64(k string, f int64) int64 {
	if v, err := strconv.ParseInt(getEnv(k, ""), 10, 64); err == nil {
		return v
	}
	return f
}

func getEnvFloat(k string, f float64) float64 {
	if v, err := strconv.ParseFloat(getEnv(k, ""), 64); err == nil {
		return v
	}
	return f
}
