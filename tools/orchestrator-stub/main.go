// Command orchestrator-stub stands in for the pipeline orchestrator in local
// runs. It accepts POST /pipelines/{id}/trigger, checks the request signature
// when SECRET is set, and records what it received.
package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

type trigger struct {
	ReceivedAt     string          `json:"received_at"`
	PipelineID     string          `json:"pipeline_id"`
	EventID        string          `json:"event_id"`
	AttemptID      string          `json:"attempt_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Duplicate      bool            `json:"duplicate"`
	Payload        json.RawMessage `json:"payload"`
}

type stats struct {
	Count        int64     `json:"count"`
	Rejected     int64     `json:"rejected"`
	LastTriggers []trigger `json:"last_triggers"`
	Since        string    `json:"since"`
}

var (
	mu        sync.Mutex
	count     int64
	rejected  int64
	last      []trigger
	seenKeys  = make(map[string]bool)
	since     time.Time
	maxStored = 50

	secret     = os.Getenv("SECRET")
	failStatus = os.Getenv("FAIL_STATUS")
)

func main() {
	since = time.Now().UTC()

	addr := ":8081"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}

	http.HandleFunc("/pipelines/", triggerHandler)
	http.HandleFunc("/stats", statsHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	http.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		count, rejected = 0, 0
		last = nil
		seenKeys = make(map[string]bool)
		since = time.Now().UTC()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})

	log.Printf("orchestrator-stub listening on %s (signature check: %v)", addr, secret != "")
	log.Fatal(http.ListenAndServe(addr, nil))
}

func triggerHandler(w http.ResponseWriter, r *http.Request) {
	// /pipelines/{id}/trigger
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if r.Method != http.MethodPost || len(parts) != 3 || parts[2] != "trigger" {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	defer r.Body.Close()
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if secret != "" && !validSignature(body, r.Header.Get("X-Catchup-Signature")) {
		mu.Lock()
		rejected++
		mu.Unlock()
		log.Printf("rejected trigger for %s: bad signature", parts[1])
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	if failStatus != "" {
		var code int
		if _, err := fmt.Sscanf(failStatus, "%d", &code); err == nil && code >= 400 {
			log.Printf("failing trigger for %s with %d", parts[1], code)
			w.WriteHeader(code)
			return
		}
	}

	key := r.Header.Get("X-Catchup-Idempotency-Key")

	mu.Lock()
	duplicate := key != "" && seenKeys[key]
	seenKeys[key] = true
	count++
	last = append(last, trigger{
		ReceivedAt:     time.Now().UTC().Format(time.RFC3339Nano),
		PipelineID:     parts[1],
		EventID:        r.Header.Get("X-Catchup-Event-ID"),
		AttemptID:      r.Header.Get("X-Catchup-Attempt-ID"),
		IdempotencyKey: key,
		Duplicate:      duplicate,
		Payload:        json.RawMessage(body),
	})
	if len(last) > maxStored {
		last = last[len(last)-maxStored:]
	}
	current := count
	mu.Unlock()

	log.Printf("trigger #%d for pipeline %s (duplicate=%v)", current, parts[1], duplicate)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintf(w, `{"accepted":%d,"duplicate":%v}`, current, duplicate)
}

func validSignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func statsHandler(w http.ResponseWriter, _ *http.Request) {
	mu.Lock()
	s := stats{
		Count:        count,
		Rejected:     rejected,
		LastTriggers: last,
		Since:        since.Format(time.RFC3339),
	}
	mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}
