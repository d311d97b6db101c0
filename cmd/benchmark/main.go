// Benchmark tool for measuring anomaly detection against a labelled ledger.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/labelled.csv -url http://localhost:8080
//
// The CSV needs date, merchant and amount columns plus a 0/1 label column
// (is_fraud by default). This tool:
//  1. Reads the labelled ledger
//  2. Uploads it in batches into a fresh dataset
//  3. Requests GET /anomalies and compares the suspicious set with the labels
//  4. Calculates precision, recall, F1-score, and confusion matrix
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// LabelledTransaction is a ledger row with its ground truth.
type LabelledTransaction struct {
	Date        string          `json:"date"`
	Merchant    string          `json:"merchant"`
	Amount      decimal.Decimal `json:"amount"`
	Category    string          `json:"category,omitempty"`
	Description string          `json:"description,omitempty"`
	IsFraud     bool            `json:"-"`
}

type ingestRequest struct {
	Transactions []LabelledTransaction `json:"transactions"`
}

type ingestResponse struct {
	Inserted int   `json:"inserted"`
	FirstID  int64 `json:"first_id"`
	LastID   int64 `json:"last_id"`
}

type fraudReport struct {
	Suspicious []struct {
		ID      int64    `json:"id"`
		Reasons []string `json:"reasons"`
	} `json:"suspicious"`
	TotalTransactions int     `json:"total_transactions"`
	RuleFlagged       int     `json:"rule_flagged"`
	ModelFlagged      int     `json:"model_flagged"`
	ScoreCutoff       float64 `json:"score_cutoff"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	TruePositives  int
	FalsePositives int
	TrueNegatives  int
	FalseNegatives int

	TotalFraud    int
	TotalNonFraud int

	Reasons map[string]int

	UploadTime   time.Duration
	AnalysisTime time.Duration
}

func main() {
	csvPath := flag.String("csv", "", "Path to labelled ledger CSV")
	baseURL := flag.String("url", "http://localhost:8080", "Financial coach base URL")
	datasetID := flag.String("dataset", "benchmark", "Dataset ID used for the run (cleared first)")
	labelCol := flag.String("label", "is_fraud", "Name of the 0/1 label column")
	limit := flag.Int("limit", 0, "Maximum transactions to load (0 = all)")
	batchSize := flag.Int("batch", 500, "Transactions per upload request")
	verbose := flag.Bool("verbose", false, "Print each misclassified transaction")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/labelled.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("FINANCIAL COACH BENCHMARK - labelled anomaly detection")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Server URL:  %s\n", *baseURL)
	fmt.Printf("Dataset ID:  %s\n", *datasetID)
	fmt.Printf("Batch Size:  %d\n", *batchSize)
	fmt.Println()

	client := &http.Client{Timeout: 60 * time.Second}

	if err := checkHealth(client, *baseURL); err != nil {
		fmt.Printf("ERROR: server not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure the server is running:")
		fmt.Println("  go run ./cmd/coach")
		os.Exit(1)
	}
	fmt.Println("✓ Server is healthy")

	txs, err := readLabelledCSV(*csvPath, *labelCol, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	if len(txs) == 0 {
		fmt.Println("ERROR: no usable rows in CSV")
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d transactions\n", len(txs))

	c := &coachClient{http: client, baseURL: *baseURL, datasetID: *datasetID}
	if err := c.reset(); err != nil {
		fmt.Printf("ERROR: failed to clear dataset: %v\n", err)
		os.Exit(1)
	}

	m := &Metrics{Reasons: make(map[string]int)}

	start := time.Now()
	labels, err := c.upload(txs, *batchSize)
	if err != nil {
		fmt.Printf("ERROR: upload failed: %v\n", err)
		os.Exit(1)
	}
	m.UploadTime = time.Since(start)
	fmt.Printf("✓ Uploaded in %v\n", m.UploadTime.Round(time.Millisecond))

	start = time.Now()
	report, err := c.anomalies()
	if err != nil {
		fmt.Printf("ERROR: anomaly detection failed: %v\n", err)
		os.Exit(1)
	}
	m.AnalysisTime = time.Since(start)

	score(m, labels, report, *verbose)
	printResults(m, report)
}

func checkHealth(client *http.Client, baseURL string) error {
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readLabelledCSV(path, labelCol string, limit int) ([]LabelledTransaction, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"date", "merchant", "amount", strings.ToLower(labelCol)} {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	field := func(record []string, name string) string {
		i, ok := colIndex[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var txs []LabelledTransaction
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		amount, err := decimal.NewFromString(strings.ReplaceAll(field(record, "amount"), ",", ""))
		if err != nil || field(record, "merchant") == "" {
			continue
		}

		label := strings.ToLower(field(record, strings.ToLower(labelCol)))
		txs = append(txs, LabelledTransaction{
			Date:        field(record, "date"),
			Merchant:    field(record, "merchant"),
			Amount:      amount,
			Category:    field(record, "category"),
			Description: field(record, "description"),
			IsFraud:     label == "1" || label == "true",
		})

		if limit > 0 && len(txs) >= limit {
			break
		}
	}

	return txs, nil
}

type coachClient struct {
	http      *http.Client
	baseURL   string
	datasetID string
}

func (c *coachClient) do(method, path string, body any, out any) error {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Dataset-ID", c.datasetID)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *coachClient) reset() error {
	return c.do(http.MethodDelete, "/transactions", nil, nil)
}

// upload sends txs in order and returns the label of every stored ID.
func (c *coachClient) upload(txs []LabelledTransaction, batchSize int) (map[int64]bool, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	labels := make(map[int64]bool, len(txs))

	for start := 0; start < len(txs); start += batchSize {
		end := min(start+batchSize, len(txs))
		batch := txs[start:end]

		var resp ingestResponse
		if err := c.do(http.MethodPost, "/transactions", ingestRequest{Transactions: batch}, &resp); err != nil {
			return nil, fmt.Errorf("batch %d-%d: %w", start, end, err)
		}
		if resp.Inserted != len(batch) {
			return nil, fmt.Errorf("batch %d-%d: expected %d inserted, got %d", start, end, len(batch), resp.Inserted)
		}
		for i, tx := range batch {
			labels[resp.FirstID+int64(i)] = tx.IsFraud
		}
	}
	return labels, nil
}

func (c *coachClient) anomalies() (*fraudReport, error) {
	var report fraudReport
	if err := c.do(http.MethodGet, "/anomalies", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func score(m *Metrics, labels map[int64]bool, report *fraudReport, verbose bool) {
	flagged := make(map[int64][]string, len(report.Suspicious))
	for _, s := range report.Suspicious {
		flagged[s.ID] = s.Reasons
		for _, r := range s.Reasons {
			m.Reasons[r]++
		}
	}

	for id, actual := range labels {
		reasons, predicted := flagged[id]
		if actual {
			m.TotalFraud++
		} else {
			m.TotalNonFraud++
		}

		switch {
		case predicted && actual:
			m.TruePositives++
		case predicted && !actual:
			m.FalsePositives++
			if verbose {
				fmt.Printf("✗ false alarm  id=%d reasons=%v\n", id, reasons)
			}
		case !predicted && !actual:
			m.TrueNegatives++
		default:
			m.FalseNegatives++
			if verbose {
				fmt.Printf("✗ missed       id=%d\n", id)
			}
		}
	}
}

func printResults(m *Metrics, report *fraudReport) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Total Analysed:   %d\n", report.TotalTransactions)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Non-Fraud:  %d\n", m.TotalNonFraud)
	fmt.Printf("   Rule Flagged:     %d\n", report.RuleFlagged)
	fmt.Printf("   Model Flagged:    %d\n", report.ModelFlagged)
	fmt.Printf("   Score Cutoff:     %.4f\n", report.ScoreCutoff)

	fmt.Printf("\n📈 CONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                 SUSPICIOUS     CLEAN")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  F  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("          NF  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}

	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	accuracy := float64(0)
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}

	fmt.Printf("\n🎯 DETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of flags, how many were actual fraud)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of fraud, how many did we catch)\n", recall)
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", f1)
	fmt.Printf("   Accuracy:   %.4f  (overall correct predictions)\n", accuracy)

	if len(m.Reasons) > 0 {
		fmt.Printf("\n🔍 FLAG REASONS\n")
		for reason, n := range m.Reasons {
			fmt.Printf("   %-36s %d\n", reason, n)
		}
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Upload:     %v\n", m.UploadTime.Round(time.Millisecond))
	fmt.Printf("   Analysis:   %v\n", m.AnalysisTime.Round(time.Millisecond))
	if m.UploadTime > 0 {
		fmt.Printf("   Throughput: %.2f tx/sec ingested\n", float64(total)/m.UploadTime.Seconds())
	}

	fmt.Println()
}
