package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sort"
	"time"

	"golang.org/x/text/message"

	"grimm.is/harborshield/internal/brand"
	"grimm.is/harborshield/internal/health"
	"grimm.is/harborshield/internal/i18n"
)

// RunStatus queries the daemon's health endpoint and prints the report.
// It returns ErrUnhealthy when the daemon reports unhealthy.
func RunStatus(opts Options, asJSON bool) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	addr := dialAddr(cfg.HealthListen)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rep, raw, err := fetchReport(ctx, "http://"+addr+"/health")
	if err != nil {
		printLine(os.Stderr, Printer, i18n.MsgUnreachable, addr, err)
		return err
	}

	if asJSON {
		os.Stdout.Write(raw)
	} else {
		renderStatus(os.Stdout, Printer, rep)
	}
	if rep.Status == health.StatusUnhealthy {
		return ErrUnhealthy
	}
	return nil
}

// dialAddr turns a listen address into one a local client can dial.
func dialAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func fetchReport(ctx context.Context, url string) (health.Report, []byte, error) {
	var rep health.Report
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return rep, nil, err
	}
	req.Header.Set("User-Agent", brand.UserAgent(brand.Version))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return rep, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return rep, nil, err
	}
	// 503 still carries a report.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return rep, nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	if err := json.Unmarshal(raw, &rep); err != nil {
		return rep, nil, fmt.Errorf("decode health report: %w", err)
	}
	return rep, raw, nil
}

func renderStatus(w io.Writer, p *message.Printer, rep health.Report) {
	fmt.Fprintln(w, styleTitle.Render(brand.Name))
	printLine(w, p, i18n.MsgOverall, statusStyle(rep.Status).Render(string(rep.Status)))
	if rep.EngineState != "" {
		printLine(w, p, i18n.MsgEngine, rep.EngineState)
	}
	printLine(w, p, i18n.MsgGeneration, rep.Generation)

	last := p.Sprintf(i18n.MsgNever)
	if !rep.LastSuccess.IsZero() {
		last = rep.LastSuccess.Local().Format(time.RFC3339)
	}
	printLine(w, p, i18n.MsgLastSuccess, last)

	if len(rep.Checks) == 0 {
		return
	}
	fmt.Fprintln(w)
	printLine(w, p, i18n.MsgChecks)

	names := make([]string, 0, len(rep.Checks))
	for name := range rep.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := rep.Checks[name]
		fmt.Fprintf(w, "  %s %s %s\n",
			styleName.Render(name),
			statusStyle(c.Status).Render(fmt.Sprintf("%-9s", c.Status)),
			styleMuted.Render(c.Message))
	}
}
