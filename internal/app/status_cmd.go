package app

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/tidwall/gjson"
)

func statusCmd(args []string) int {
	return runStatusCmd(args, http.DefaultClient, os.Stdout, os.Stderr)
}

func runStatusCmd(args []string, client *http.Client, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "base URL of a running bridgeui")
	token := fs.String("token", "", "bearer token")
	jsonOutput := fs.Bool("json", false, "print the raw /updates payload")
	timeout := fs.Duration("timeout", 5*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	body, err := fetchUpdates(ctx, client, *baseURL, *token)
	if err != nil {
		fmt.Fprintf(stderr, "status: %v\n", err)
		return 1
	}

	if *jsonOutput {
		fmt.Fprintln(stdout, strings.TrimSpace(string(body)))
		return 0
	}
	if err := writeStatusTable(stdout, body); err != nil {
		fmt.Fprintf(stderr, "status: %v\n", err)
		return 1
	}
	return 0
}

func fetchUpdates(ctx context.Context, client *http.Client, baseURL, token string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/updates", nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		detail := gjson.GetBytes(body, "detail").String()
		if detail == "" {
			detail = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("%s: %d %s", req.URL, resp.StatusCode, detail)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%s: invalid JSON", req.URL)
	}
	return body, nil
}

func writeStatusTable(w io.Writer, body []byte) error {
	doc := gjson.ParseBytes(body)
	if c := doc.Get("counter"); c.Exists() && c.Type != gjson.Null {
		fmt.Fprintf(w, "processed: %d\n\n", c.Int())
	} else if e := doc.Get("counter_error").String(); e != "" {
		fmt.Fprintf(w, "processed: unavailable (%s)\n\n", e)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BRIDGE\tSTATE\tLAST\tCURRENT\tSTATS")

	updates := doc.Get("updates").Map()
	names := make([]string, 0, len(updates))
	for name := range updates {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		u := updates[name]
		if msg := u.Get("error"); msg.Exists() {
			fmt.Fprintf(tw, "%s\terror\t-\t-\t%s\n", name, msg.String())
			continue
		}
		var counters []string
		u.ForEach(func(k, v gjson.Result) bool {
			switch k.String() {
			case "last", "current":
			default:
				counters = append(counters, k.String()+"="+v.Raw)
			}
			return true
		})
		sort.Strings(counters)
		fmt.Fprintf(tw, "%s\tok\t%s\t%s\t%s\n", name, refOrDash(u.Get("last")), refOrDash(u.Get("current")), strings.Join(counters, " "))
	}
	return tw.Flush()
}

func refOrDash(r gjson.Result) string {
	if !r.Exists() || r.Type == gjson.Null || r.String() == "" {
		return "-"
	}
	return r.String()
}
