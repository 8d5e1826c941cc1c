package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ahmadzakiakmal/bftledger/client"
	"github.com/ahmadzakiakmal/bftledger/transaction"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type RequestResult struct {
	Name     string
	Method   string
	Endpoint string
	Latency  time.Duration
}

type benchOptions struct {
	url        string
	iterations int
	mode       string
	output     string
}

func main() {
	if err := newBenchCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newBenchCommand() *cobra.Command {
	opts := &benchOptions{}
	cmd := &cobra.Command{
		Use:          "bench",
		Short:        "Time a create, transfer and lookup workflow against a ledger node",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(opts)
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "http://127.0.0.1:9984", "ledger HTTP API base URL")
	cmd.Flags().IntVarP(&opts.iterations, "iterations", "n", 1, "number of iterations to run")
	cmd.Flags().StringVar(&opts.mode, "mode", "commit", "delivery mode (async|sync|commit)")
	cmd.Flags().StringVar(&opts.output, "out", "", "CSV file, defaults to benchmark_n_<iterations>_<mode>.csv")
	return cmd
}

func runBench(opts *benchOptions) error {
	filename := opts.output
	if filename == "" {
		filename = fmt.Sprintf("benchmark_n_%d_%s.csv", opts.iterations, opts.mode)
	}
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("creating CSV file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write([]string{"Iteration", "Step", "Method", "Endpoint", "Latency_ms"}); err != nil {
		return fmt.Errorf("writing CSV header: %w", err)
	}

	requestClient := client.NewHTTPClient(opts.url)
	for i := 0; i < opts.iterations; i++ {
		fmt.Printf("\n[Iteration %d/%d]\n", i+1, opts.iterations)
		results, err := runWorkflow(requestClient, opts.mode)
		for _, result := range results {
			record := []string{
				strconv.Itoa(i + 1),
				result.Name,
				result.Method,
				result.Endpoint,
				strconv.FormatInt(result.Latency.Milliseconds(), 10),
			}
			if err := writer.Write(record); err != nil {
				fmt.Printf("Error writing record to CSV: %v\n", err)
			}
		}
		if err != nil {
			fmt.Println(err)
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Printf("\nBenchmark complete. Results saved to %s\n", filename)
	return nil
}

// runWorkflow creates an asset, transfers it and reads both back. Results
// gathered before a failing step are still returned.
func runWorkflow(c *client.HTTPClient, mode string) ([]RequestResult, error) {
	var results []RequestResult
	totalStart := time.Now()
	timed := func(name, method, endpoint string, fn func() error) error {
		start := time.Now()
		err := fn()
		elapsed := time.Since(start)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		fmt.Printf("%s [Delay: %v]\n", name, elapsed)
		results = append(results, RequestResult{Name: name, Method: method, Endpoint: endpoint, Latency: elapsed})
		return nil
	}

	// unique payload so every iteration hashes to a new id
	origin, err := transaction.NewCreate("bench-owner", map[string]interface{}{"run": uuid.NewString()}, nil, 1)
	if err != nil {
		return results, err
	}
	spend, err := transaction.NewTransfer(
		origin.ID,
		[]transaction.Input{{OwnersBefore: []string{"bench-owner"}, Fulfills: &transaction.Fulfills{TransactionID: origin.ID, OutputIndex: 0}}},
		[]transaction.Output{{PublicKeys: []string{"bench-recipient"}, Amount: "1"}},
		nil,
	)
	if err != nil {
		return results, err
	}

	steps := []struct {
		name, method, endpoint string
		fn                     func() error
	}{
		{"Post Create", "POST", "/api/v1/transactions", func() error {
			_, err := c.PostTransaction(origin, mode)
			return err
		}},
		{"Get Create", "GET", "/api/v1/transactions/:id", func() error {
			tx, err := c.GetTransaction(origin.ID)
			return expectFound(tx != nil, err)
		}},
		{"Post Transfer", "POST", "/api/v1/transactions", func() error {
			_, err := c.PostTransaction(spend, mode)
			return err
		}},
		{"Get Spent", "GET", "/api/v1/outputs/spent", func() error {
			tx, err := c.GetSpent(origin.ID, 0)
			return expectFound(tx != nil, err)
		}},
		{"Latest Block", "GET", "/api/v1/blocks/latest", func() error {
			block, err := c.LatestBlock()
			return expectFound(block != nil, err)
		}},
	}
	for _, step := range steps {
		if err := timed(step.name, step.method, step.endpoint, step.fn); err != nil {
			return results, err
		}
	}

	totalElapsed := time.Since(totalStart)
	fmt.Printf("\nTotal workflow execution time: %v\n", totalElapsed)
	results = append(results, RequestResult{
		Name:     "Complete Workflow",
		Method:   "WORKFLOW",
		Endpoint: "complete-workflow",
		Latency:  totalElapsed,
	})
	return results, nil
}

// expectFound fails a lookup step whose target is not committed yet,
// which happens with async or sync delivery.
func expectFound(found bool, err error) error {
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("not committed yet")
	}
	return nil
}
