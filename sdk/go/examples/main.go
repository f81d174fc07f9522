package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"DataPilot/sdk/go/datapilot"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})
	mux.HandleFunc("/api/task/run/async", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(datapilot.TaskStatus{ID: "task-demo", Status: datapilot.StatusInProgress})
	})
	mux.HandleFunc("/api/task/task-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(datapilot.TaskResponse{
			ID:      "task-demo",
			Status:  datapilot.StatusCompleted,
			Answer:  "Average order value is 42.10",
			Success: true,
			Artifacts: []datapilot.Artifact{
				{Type: "FILE", Name: "summary.csv", Path: "task/task-demo/summary.csv"},
			},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := datapilot.NewClient(srv.URL, datapilot.WithHTTPClient(srv.Client()), datapilot.WithAPIKey("demo"))
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Health(ctx); err != nil {
		panic(err)
	}

	receipt, err := client.RunAsync(ctx, datapilot.Submission{
		TaskDescription: "What is the average order value?",
		Files:           []datapilot.File{{Name: "orders.csv", Content: []byte("id,value\n1,40.2\n2,44.0\n")}},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted task %s (status=%s)\n", receipt.ID, receipt.Status)

	result, err := client.WaitForTask(ctx, receipt.ID, 100*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("task %s finished: %s (%d artifacts)\n", result.ID, result.Answer, len(result.Artifacts))
}
