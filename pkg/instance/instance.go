package instance

import "os"

// GetID names the running process in logs: the dyno on Heroku-style hosts,
// then WORKER_ID, then a local default.
func GetID() string {
	for _, key := range []string{"DYNO", "WORKER_ID"} {
		if id := os.Getenv(key); id != "" {
			return id
		}
	}
	return "local"
}
