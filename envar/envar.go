package envar

import "os"

const (
	CamworkerConfig  = "CAMWORKER_CONFIG"
	CamworkerVerbose = "CAMWORKER_VERBOSE"
)

func Getenv(key, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}
