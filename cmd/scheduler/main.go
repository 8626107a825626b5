// scheduler triggers periodic syncs through the syncd control API.
// It is deliberately dumb: one ticker, one POST per configured
// resource, and a 409 from the API just means the previous run is
// still going.
package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	apiURL := strings.TrimRight(getenv("SYNCD_URL", "http://localhost:8080"), "/")
	resources := strings.Split(getenv("SYNC_RESOURCES", "companies,contacts"), ",")
	interval, err := time.ParseDuration(getenv("SYNC_INTERVAL", "1h"))
	if err != nil {
		log.Fatal("bad SYNC_INTERVAL:", err)
	}

	client := &http.Client{Timeout: 30 * time.Second}

	log.Printf("scheduling %v every %s against %s", resources, interval, apiURL)

	tick := time.NewTicker(interval)
	defer tick.Stop()

	for ; ; <-tick.C {
		for _, res := range resources {
			res = strings.TrimSpace(res)
			if res == "" {
				continue
			}
			if err := trigger(client, apiURL, res); err != nil {
				log.Printf("trigger %s: %v", res, err)
			}
		}
	}
}

func trigger(client *http.Client, apiURL, resource string) error {
	resp, err := client.Post(apiURL+"/api/sync/"+resource, "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		log.Printf("started %s sync", resource)
		return nil
	case http.StatusConflict:
		log.Printf("%s sync still running, skipping", resource)
		return nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}
