package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/text/message"

	"grimm.is/harborshield/internal/i18n"
	"grimm.is/harborshield/internal/ruleset"
	"grimm.is/harborshield/internal/state"
)

// RunShow prints the last persisted ruleset as an nft script, followed by
// up to history entries of the apply history.
func RunShow(opts Options, history int) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	ctx := context.Background()
	st, entries, err := readState(ctx, cfg.DataDir, history)
	if err != nil {
		return err
	}
	renderShow(os.Stdout, Printer, st, entries)
	return nil
}

// readState loads the persisted state without creating a database that
// does not exist yet. A nil state means nothing was applied.
func readState(ctx context.Context, dataDir string, history int) (*state.AppliedState, []state.HistoryEntry, error) {
	path := filepath.Join(dataDir, state.DBFile)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil
	}

	store, err := state.Open(state.Options{Path: path})
	if err != nil {
		return nil, nil, fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	st, err := store.Load(ctx)
	if err != nil {
		return nil, nil, err
	}
	if history <= 0 {
		return st, nil, nil
	}
	entries, err := store.History(ctx, history)
	if err != nil {
		return nil, nil, err
	}
	return st, entries, nil
}

func renderShow(w io.Writer, p *message.Printer, st *state.AppliedState, entries []state.HistoryEntry) {
	if st == nil {
		printLine(w, p, i18n.MsgNoState)
		return
	}

	header := styleMuted.Render(fmt.Sprintf("# generation %d, fingerprint %s", st.Generation, st.RuleSet.Fingerprint()))
	fmt.Fprintln(w, header)
	fmt.Fprintln(w, styleMuted.Render("# "+p.Sprintf(i18n.MsgAppliedAt, st.AppliedAt.Local().Format(time.RFC3339))))
	if st.Fallback {
		fmt.Fprintln(w, styleBad.Render("# "+p.Sprintf(i18n.MsgFallback)))
	}
	fmt.Fprint(w, ruleset.Render(st.RuleSet))

	if len(entries) == 0 {
		return
	}
	fmt.Fprintln(w)
	printLine(w, p, i18n.MsgHistory)
	for _, e := range entries {
		mark := " "
		if e.Fallback {
			mark = styleBad.Render("!")
		}
		fmt.Fprintf(w, "  %s %6d  %s  %s  %s\n",
			mark,
			e.Generation,
			e.AppliedAt.Local().Format(time.RFC3339),
			styleMuted.Render(shortFingerprint(e.Fingerprint)),
			e.Summary)
	}
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
