package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"time"

	"github.com/gorilla/websocket"
)

// End-to-end smoke test against a running server: seed, create a trip,
// dispatch it, accept as the agency, select the winner, and verify the
// websocket feed reports the accepted trip.
func main() {
	api := envOrDefault("API_BASE", "http://localhost:8080")
	wsBase := envOrDefault("WS_BASE", "ws://localhost:8080")

	fmt.Println("Seeding directory and identities...")
	if err := runCmd("go", "run", "./cmd/seed"); err != nil {
		log.Fatalf("seed failed: %v", err)
	}

	hcToken := envOrDefault("HEALTHCARE_TOKEN", "")
	agencyToken := envOrDefault("AGENCY_TOKEN", "")
	tccToken := envOrDefault("TCC_TOKEN", "")
	if hcToken == "" || agencyToken == "" || tccToken == "" {
		fmt.Println("Fetch tokens from seed output and set HEALTHCARE_TOKEN/AGENCY_TOKEN/TCC_TOKEN env for non-interactive run.")
	}

	fmt.Println("Creating trip...")
	tripID, err := createTrip(api, hcToken)
	if err != nil {
		log.Fatalf("create trip failed: %v", err)
	}
	fmt.Printf("Trip ID: %s\n", tripID)

	events := make(chan map[string]any, 10)
	go subscribeWS(wsBase, tripID, hcToken, events)

	fmt.Println("Dispatching to preferred agency...")
	offerID, err := dispatchTrip(api, tccToken, tripID)
	if err != nil {
		log.Fatalf("dispatch failed: %v", err)
	}
	fmt.Printf("Offer ID: %s\n", offerID)

	fmt.Println("Accepting as agency...")
	if err := postJSON(fmt.Sprintf("%s/api/responses/%s", api, offerID), agencyToken, map[string]any{
		"response": "accepted",
		"unitId":   "unit_fr_1",
	}); err != nil {
		log.Fatalf("accept failed: %v", err)
	}

	fmt.Println("Selecting winner...")
	if err := postJSON(fmt.Sprintf("%s/api/responses/%s/select", api, offerID), tccToken, nil); err != nil {
		log.Fatalf("select failed: %v", err)
	}

	waitForStatus(events, "accepted", tripID)
	fmt.Println("Smoke test complete.")
}

func createTrip(api, token string) (string, error) {
	payload := map[string]any{
		"facilityId":  "fac_mercy_general",
		"origin":      "Mercy General Hospital",
		"destination": "Sutter Rehab Center",
		"level":       "BLS",
		"urgency":     "routine",
		"scheduledAt": time.Now().Add(time.Hour).Format(time.RFC3339),
		"radiusMiles": 25,
	}
	body, _ := json.Marshal(payload)
	req, _ := http.NewRequest("POST", api+"/api/trips", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", fmt.Sprintf("smoke-%d", time.Now().UnixNano()))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("status %s", resp.Status)
	}
	var res struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", err
	}
	if res.ID == "" {
		return "", fmt.Errorf("trip id missing")
	}
	return res.ID, nil
}

func dispatchTrip(api, token, tripID string) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"agencyIds": []string{"ag_first_response"},
		"mode":      "preferred",
	})
	req, _ := http.NewRequest("POST", fmt.Sprintf("%s/api/trips/%s/dispatch", api, tripID), bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("status %s", resp.Status)
	}
	var res struct {
		Responses []struct {
			ID       string `json:"id"`
			AgencyID string `json:"agencyId"`
		} `json:"responses"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", err
	}
	for _, r := range res.Responses {
		if r.AgencyID == "ag_first_response" {
			return r.ID, nil
		}
	}
	return "", fmt.Errorf("offer missing in dispatch response")
}

func postJSON(url, token string, payload map[string]any) error {
	var body []byte
	if payload != nil {
		body, _ = json.Marshal(payload)
	} else {
		body = []byte("{}")
	}
	req, _ := http.NewRequest("POST", url, bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %s", resp.Status)
	}
	return nil
}

func runCmd(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), "DATABASE_URL="+envOrDefault("DATABASE_URL", ""))
	return cmd.Run()
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func subscribeWS(base, tripID, token string, sink chan<- map[string]any) {
	u := fmt.Sprintf("%s/ws/trips/%s", base, tripID)
	parsed, _ := url.Parse(u)
	q := parsed.Query()
	if token != "" {
		q.Set("token", token)
	}
	parsed.RawQuery = q.Encode()

	c, _, err := websocket.DefaultDialer.Dial(parsed.String(), nil)
	if err != nil {
		log.Printf("ws dial failed: %v", err)
		return
	}
	defer c.Close()
	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		var payload map[string]any
		if err := json.Unmarshal(msg, &payload); err != nil {
			continue
		}
		sink <- payload
	}
}

func waitForStatus(events <-chan map[string]any, expect, tripID string) {
	timeout := time.After(8 * time.Second)
	for {
		select {
		case msg := <-events:
			trip, _ := msg["trip"].(map[string]any)
			if trip == nil {
				continue
			}
			if id, _ := trip["id"].(string); id != "" && id != tripID {
				continue
			}
			status, _ := trip["status"].(string)
			fmt.Printf("WS update received: kind=%v status=%s\n", msg["kind"], status)
			if status == expect {
				if agency, _ := trip["assignedAgencyId"].(string); agency == "" {
					log.Fatalf("accepted trip missing assignedAgencyId: %v", trip)
				}
				return
			}
		case <-timeout:
			log.Fatalf("expected ws trip status %q not received", expect)
		}
	}
}
