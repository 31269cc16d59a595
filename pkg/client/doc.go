// Package client provides a Go SDK for the Valka API: a thin typed client
// over the REST surface and a stream worker for consuming tasks.
//
// # Submitting tasks
//
//	c, err := client.New("http://localhost:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	task, err := c.CreateTask(ctx, client.CreateTaskRequest{
//	    Queue: "emails",
//	    Name:  "send-welcome",
//	    Input: json.RawMessage(`{"to":"user@example.com"}`),
//	})
//
// # Running a worker
//
//	w, err := client.NewWorker("http://localhost:8080", client.WorkerConfig{
//	    Queues:      []string{"emails"},
//	    Concurrency: 4,
//	}, func(ctx context.Context, a *client.Assignment) (json.RawMessage, error) {
//	    // handle a.Input; watch a.Signals() for out-of-band messages
//	    return json.RawMessage(`{"sent":true}`), nil
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(w.Run(ctx))
//
// # Configuration
//
// The client supports functional options for configuration:
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithAPIKey("your-api-key"),
//	    client.WithTimeout(30 * time.Second),
//	)
package client
