// loadgen replays a workload file of user commands against a running
// gateway and reports throughput. Each line of the workload is
// "[n] COMMAND,user,args...", the legacy batch format, e.g.
//
//	[1] ADD,alice,1000
//	[2] BUY,alice,S,100
//	[3] COMMIT_BUY,alice
//	[4] DUMPLOG,./out.xml
package main

import (
	"bufio"
	"bytes"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
)

type commandRequest struct {
	TransactionID int64  `json:"transactionId"`
	Command       string `json:"command"`
	UserID        string `json:"userId"`
	Amount        int64  `json:"amount"`
	StockSymbol   string `json:"stockSymbol"`
	FileName      string `json:"fileName"`
}

func main() {
	target := flag.String("target", "http://localhost:8080", "Gateway base URL")
	workload := flag.String("workload", "", "Workload file path")
	concurrency := flag.Int("concurrency", 8, "Concurrent senders")
	flag.Parse()

	if *workload == "" {
		log.Fatalf("missing workload file; use -workload")
	}
	reqs, err := parseWorkload(*workload)
	if err != nil {
		log.Fatalf("parse workload: %v", err)
	}

	var sent, failed uint64
	jobs := make(chan commandRequest)
	var wg sync.WaitGroup
	client := &http.Client{Timeout: 10 * time.Second}

	start := time.Now()
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for req := range jobs {
				if err := send(client, *target, req); err != nil {
					atomic.AddUint64(&failed, 1)
					continue
				}
				atomic.AddUint64(&sent, 1)
			}
		}()
	}
	for _, req := range reqs {
		jobs <- req
	}
	close(jobs)
	wg.Wait()

	elapsed := time.Since(start)
	fmt.Printf("sent %d, failed %d in %s (%.0f cmd/s)\n",
		sent, failed, elapsed, float64(sent)/elapsed.Seconds())
}

func send(client *http.Client, target string, req commandRequest) error {
	body, err := sonic.Marshal(req)
	if err != nil {
		return err
	}
	resp, err := client.Post(target+"/command", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func parseWorkload(path string) ([]commandRequest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []commandRequest
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		req, err := parseLine(text, int64(line))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, req)
	}
	return out, sc.Err()
}

func parseLine(text string, txnID int64) (commandRequest, error) {
	// Strip the "[n]" sequence prefix when present.
	if strings.HasPrefix(text, "[") {
		if idx := strings.IndexByte(text, ']'); idx > 0 {
			if n, err := strconv.ParseInt(strings.TrimSpace(text[1:idx]), 10, 64); err == nil {
				txnID = n
			}
			text = strings.TrimSpace(text[idx+1:])
		}
	}

	parts := strings.Split(text, ",")
	req := commandRequest{TransactionID: txnID, Command: parts[0]}

	switch parts[0] {
	case "DUMPLOG":
		// DUMPLOG,filename or DUMPLOG,user,filename
		switch len(parts) {
		case 2:
			req.FileName = parts[1]
		case 3:
			req.UserID = parts[1]
			req.FileName = parts[2]
		default:
			return req, fmt.Errorf("malformed DUMPLOG")
		}
		return req, nil
	case "COMMIT_BUY", "CANCEL_BUY", "COMMIT_SELL", "CANCEL_SELL":
		if len(parts) != 2 {
			return req, fmt.Errorf("expected user argument")
		}
		req.UserID = parts[1]
		return req, nil
	case "ADD":
		if len(parts) != 3 {
			return req, fmt.Errorf("expected user,amount")
		}
		req.UserID = parts[1]
		return req, parseAmount(&req, parts[2])
	case "QUOTE":
		if len(parts) != 3 {
			return req, fmt.Errorf("expected user,stock")
		}
		req.UserID = parts[1]
		req.StockSymbol = parts[2]
		return req, nil
	case "CANCEL_SET_BUY", "CANCEL_SET_SELL":
		if len(parts) != 3 {
			return req, fmt.Errorf("expected user,stock")
		}
		req.UserID = parts[1]
		req.StockSymbol = parts[2]
		return req, nil
	default:
		// Remaining commands are user,stock,amount.
		if len(parts) != 4 {
			return req, fmt.Errorf("expected user,stock,amount")
		}
		req.UserID = parts[1]
		req.StockSymbol = parts[2]
		return req, parseAmount(&req, parts[3])
	}
}

func parseAmount(req *commandRequest, raw string) error {
	// Amounts are whole dollars; fractional workload values round down.
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("bad amount %q", raw)
	}
	req.Amount = int64(v)
	return nil
}
