package i18n

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Message keys used by the status and plan commands. English output is the
// key itself.
const (
	MsgOverall     = "Overall: %s"
	MsgEngine      = "Engine: %s"
	MsgGeneration  = "Applied generation: %d"
	MsgLastSuccess = "Last successful pass: %s"
	MsgNever       = "never"
	MsgChecks      = "Checks:"
	MsgNoChanges   = "No changes. The kernel ruleset matches the running containers."
	MsgPlanSummary = "%d managed container(s), %d rule(s), %d set element(s)"
	MsgNoState     = "No ruleset has been applied yet."
	MsgUnreachable = "Daemon is not reachable at %s: %v"
	MsgAppliedAt   = "Applied at: %s"
	MsgFallback    = "Fail-closed default ruleset is active."
	MsgHistory     = "History:"
	MsgPolicyError = "Warning: %v"
)

func init() {
	de := language.German
	for key, msg := range map[string]string{
		MsgOverall:     "Gesamtstatus: %s",
		MsgEngine:      "Engine: %s",
		MsgGeneration:  "Angewendete Generation: %d",
		MsgLastSuccess: "Letzter erfolgreicher Durchlauf: %s",
		MsgNever:       "nie",
		MsgChecks:      "Prüfungen:",
		MsgNoChanges:   "Keine Änderungen. Der Kernel-Regelsatz entspricht den laufenden Containern.",
		MsgPlanSummary: "%d verwaltete(r) Container, %d Regel(n), %d Set-Element(e)",
		MsgNoState:     "Es wurde noch kein Regelsatz angewendet.",
		MsgUnreachable: "Daemon unter %s nicht erreichbar: %v",
		MsgAppliedAt:   "Angewendet am: %s",
		MsgFallback:    "Der Fail-Closed-Standardregelsatz ist aktiv.",
		MsgHistory:     "Verlauf:",
		MsgPolicyError: "Warnung: %v",
	} {
		_ = message.SetString(de, key, msg)
	}
}
