package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

// Simulated agency responder: polls the agency's pending offers and
// accepts the first one, optionally binding a unit. Useful for exercising
// the dispatch flow against a running server.

type responsePayload struct {
	Response string `json:"response"`
	UnitID   string `json:"unitId,omitempty"`
}

func main() {
	api := flag.String("api", "http://localhost:8080", "API base URL")
	token := flag.String("token", "", "agency bearer token")
	agencyID := flag.String("agency", "ag_first_response", "agency id")
	unitID := flag.String("unit", "", "unit id to bind on accept")
	interval := flag.Duration("interval", 2*time.Second, "poll interval")
	count := flag.Int("count", 30, "number of polls before giving up")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}
	for i := 0; i < *count; i++ {
		offerID, err := pendingOffer(client, *api, *token, *agencyID)
		if err != nil {
			log.Printf("poll %d failed: %v", i+1, err)
		} else if offerID != "" {
			if err := accept(client, *api, *token, offerID, *unitID); err != nil {
				log.Fatalf("accept failed: %v", err)
			}
			log.Printf("offer %s accepted", offerID)
			return
		}
		time.Sleep(*interval)
	}
	log.Printf("no pending offers after %d polls", *count)
}

func pendingOffer(client *http.Client, api, token, agencyID string) (string, error) {
	url := fmt.Sprintf("%s/api/agencies/%s/responses?response=pending", api, agencyID)
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return "", err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("list offers status: %s", resp.Status)
	}
	var res struct {
		Responses []struct {
			ID string `json:"id"`
		} `json:"responses"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", err
	}
	if len(res.Responses) == 0 {
		return "", nil
	}
	return res.Responses[0].ID, nil
}

func accept(client *http.Client, api, token, offerID, unitID string) error {
	body, _ := json.Marshal(responsePayload{Response: "accepted", UnitID: unitID})
	req, err := http.NewRequest("POST", fmt.Sprintf("%s/api/responses/%s", api, offerID), bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("accept status: %s", resp.Status)
	}
	return nil
}

func init() {
	log.SetOutput(os.Stdout)
}
