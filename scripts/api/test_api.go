// Minimal end-to-end integration test for the trust engine API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"

	"github.com/google/uuid"
)

var (
	baseURL = getenv("API_URL", "http://localhost:8080/v1")
	actorA  = mustID(getenv("ACTOR_A", "901"))
	actorB  = mustID(getenv("ACTOR_B", "902"))
)

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustID(s string) uint64 {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		log.Fatalf("bad actor id %q", s)
	}
	return id
}

func main() {
	tokA := token(actorA)
	tokB := token(actorB)

	deposit(tokA)
	deposit(tokB)

	noteID := createNote(tokA)
	likeNote(tokB, noteID)
	checkFeed(tokB, noteID)
	checkTrust(tokB, actorA)
	checkCosts(tokA, actorA)

	chID := submitChallenge(tokB, noteID)
	checkChallenge(tokB, chID)

	checkWindow(tokA)

	fmt.Println("✓ all endpoints passed")
}

// ----------------------------- auth

func token(id uint64) string {
	var resp struct{ Token string }
	doJSON("POST", "/auth/token", map[string]any{"accountId": id}, &resp, http.StatusOK)
	if resp.Token == "" {
		log.Fatalf("token for %d: empty", id)
	}
	return resp.Token
}

// ----------------------------- money

func deposit(tok string) {
	var resp struct {
		Balance int64 `json:"balance"`
	}
	doAuth(tok, "POST", "/me/deposit", map[string]any{
		"amount": 5000,
		"key":    uuid.NewString(),
	}, &resp, http.StatusOK)
	if resp.Balance <= 0 {
		log.Fatal("deposit: balance not credited")
	}
}

// ----------------------------- content

func createNote(tok string) uint64 {
	var resp struct{ ID uint64 }
	doAuth(tok, "POST", "/content", map[string]any{
		"kind": "note",
		"body": "integration check " + uuid.NewString(),
	}, &resp, http.StatusCreated)
	if resp.ID == 0 {
		log.Fatal("content: empty id")
	}
	return resp.ID
}

func likeNote(tok string, id uint64) {
	var resp struct{ Liked bool }
	doAuth(tok, "POST", fmt.Sprintf("/content/%d/like", id), nil, &resp, http.StatusOK)
	if !resp.Liked {
		log.Fatal("like: toggle returned false on first like")
	}
}

func checkFeed(tok string, want uint64) {
	var resp struct {
		Items []struct{ ID uint64 }
	}
	doAuth(tok, "GET", "/content?limit=50", nil, &resp, http.StatusOK)
	for _, it := range resp.Items {
		if it.ID == want {
			return
		}
	}
	log.Fatal("feed: created note not found")
}

// ----------------------------- reputation

func checkTrust(tok string, id uint64) {
	var resp struct {
		TrustScore int    `json:"trustScore"`
		Tier       string `json:"tier"`
	}
	doAuth(tok, "GET", fmt.Sprintf("/accounts/%d/trust", id), nil, &resp, http.StatusOK)
	if resp.TrustScore <= 0 || resp.Tier == "" {
		log.Fatalf("trust: implausible breakdown %+v", resp)
	}
}

func checkCosts(tok string, id uint64) {
	var resp struct {
		Costs map[string]int64 `json:"costs"`
	}
	doAuth(tok, "GET", fmt.Sprintf("/accounts/%d/costs", id), nil, &resp, http.StatusOK)
	if resp.Costs["note"] <= 0 {
		log.Fatal("costs: note cost missing")
	}
}

// ----------------------------- challenges

func submitChallenge(tok string, contentID uint64) uint64 {
	var resp struct {
		ID     uint64 `json:"id"`
		Status string `json:"status"`
	}
	doAuth(tok, "POST", "/challenges", map[string]any{
		"contentId": contentID,
		"reason":    "low_quality",
		"detail":    "integration check",
	}, &resp, http.StatusCreated)
	if resp.Status != "pending" {
		log.Fatalf("challenge: status %q, want pending", resp.Status)
	}
	return resp.ID
}

func checkChallenge(tok string, id uint64) {
	var resp struct {
		Status string `json:"status"`
	}
	doAuth(tok, "GET", fmt.Sprintf("/challenges/%d", id), nil, &resp, http.StatusOK)
	if resp.Status == "" {
		log.Fatal("challenge: empty status")
	}
}

// ----------------------------- windows

func checkWindow(tok string) {
	var resp struct {
		ID     uint64 `json:"id"`
		Status string `json:"status"`
	}
	doAuth(tok, "GET", "/windows/current", nil, &resp, http.StatusOK)
	if resp.ID == 0 || resp.Status != "open" {
		log.Fatalf("window: %+v", resp)
	}
}

// ----------------------------- helpers

func doAuth(token, method, path string, body, out any, want int) {
	doReq(method, path, token, body, out, want)
}

func doJSON(method, path string, body, out any, want int) {
	doReq(method, path, "", body, out, want)
}

func doReq(method, path, token string, body, out any, want int) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			log.Fatalf("%s %s encode: %v", method, path, err)
		}
	}
	req, _ := http.NewRequest(method, baseURL+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	if res.StatusCode != want {
		log.Fatalf("%s %s: want %d got %d", method, path, want, res.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			log.Fatalf("%s %s decode: %v", method, path, err)
		}
	}
}
