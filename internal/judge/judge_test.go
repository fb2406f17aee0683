package judge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// fakeJudge serves the submit/poll surface with a scripted status sequence.
func fakeJudge(t *testing.T, statuses []int) (*httptest.Server, *Client) {
	t.Helper()

	polls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("POST /submissions", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-RapidAPI-Key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var sub submission
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil || sub.SourceCode == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(submitResponse{Token: "tok-1"})
	})
	mux.HandleFunc("GET /submissions/{token}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("token") != "tok-1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		status := statuses[len(statuses)-1]
		if polls < len(statuses) {
			status = statuses[polls]
		}
		polls++
		var pr pollResponse
		pr.Status.ID = status
		pr.Stdout = "42\n"
		json.NewEncoder(w).Encode(&pr)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := NewClient("judge.test", "test-key")
	client.baseURL = srv.URL
	return srv, client
}

func TestSubmitAndPoll(t *testing.T) {
	_, client := fakeJudge(t, []int{2, 3})

	token, err := client.Submit(context.Background(), "print(42)", 71)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if token != "tok-1" {
		t.Errorf("Expected token tok-1, got %q", token)
	}

	result, err := client.Poll(context.Background(), token)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if result.StatusID != 2 || result.Done() || result.Failed() {
		t.Errorf("Expected in-progress result, got %+v", result)
	}

	result, err = client.Poll(context.Background(), token)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if !result.Done() {
		t.Errorf("Expected done result, got %+v", result)
	}
	if result.Stdout != "42\n" {
		t.Errorf("Stdout mismatch: %q", result.Stdout)
	}
}

func TestWaitUntilDone(t *testing.T) {
	_, client := fakeJudge(t, []int{1, 2, 3})

	token, err := client.Submit(context.Background(), "print(42)", 71)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	result, err := client.Wait(context.Background(), token, time.Millisecond)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if !result.Done() {
		t.Errorf("Expected done, got %+v", result)
	}
}

func TestWaitReturnsJudgeFailure(t *testing.T) {
	_, client := fakeJudge(t, []int{2, 6})

	token, _ := client.Submit(context.Background(), "broken(", 71)
	result, err := client.Wait(context.Background(), token, time.Millisecond)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if !result.Failed() {
		t.Errorf("Status above 3 should be a failure, got %+v", result)
	}
}

func TestSubmitRejectedKey(t *testing.T) {
	srv, _ := fakeJudge(t, []int{3})
	client := NewClient("judge.test", "wrong-key")
	client.baseURL = srv.URL

	if _, err := client.Submit(context.Background(), "x", 71); err == nil {
		t.Error("Expected error for rejected key")
	}
}
