package verification

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/bnema/ag-wakeup/internal/domain"
	"github.com/charmbracelet/lipgloss"
)

const messageWidth = 160

type RenderOptions struct {
	Now time.Time
}

func renderState(items []domain.VerificationStateItem, opts RenderOptions, s styles) string {
	lines := []string{
		s.title.Render("Wakeup Verification"),
		s.header.Render(fmt.Sprintf("accounts: %d", len(items))),
	}

	if len(items) == 0 {
		lines = append(lines, s.empty.Render("No accounts configured."))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}

	for _, item := range items {
		lines = append(lines, s.section.Render(renderItem(item, opts, s)))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderItem(item domain.VerificationStateItem, opts RenderOptions, s styles) string {
	title := lipgloss.JoinHorizontal(
		lipgloss.Top,
		s.account.Render(accountTitle(item)),
		" ",
		statusBadge(item.Status, s),
	)
	parts := []string{title}

	if item.Status == domain.VerificationIdle {
		parts = append(parts, s.empty.Render("never verified"))
		return lipgloss.JoinVertical(lipgloss.Left, parts...)
	}

	meta := []string{"verified " + formatRelative(item.LastVerifyAt, opts.Now)}
	if item.LastModel != "" {
		meta = append(meta, "model "+item.LastModel)
	}
	if item.DurationMS > 0 {
		meta = append(meta, formatDuration(item.DurationMS))
	}
	if item.LastErrorCode != nil {
		meta = append(meta, fmt.Sprintf("code %d", *item.LastErrorCode))
	}
	parts = append(parts, s.meta.Render(strings.Join(meta, " · ")))

	if msg := strings.TrimSpace(item.LastMessage); msg != "" {
		parts = append(parts, s.detail.Render(truncate(singleLine(msg), messageWidth)))
	}
	if item.ValidationURL != "" {
		parts = append(parts, s.warning.Render("verify at: ")+item.ValidationURL)
	}

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func renderHistory(records []domain.BatchHistoryRecord, opts RenderOptions, s styles) string {
	lines := []string{
		s.title.Render("Verification History"),
		s.header.Render(fmt.Sprintf("batches: %d", len(records))),
	}

	if len(records) == 0 {
		lines = append(lines, s.empty.Render("No verification batches recorded."))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}

	for _, record := range records {
		lines = append(lines, s.section.Render(renderRecord(record, opts, s)))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderRecord(record domain.BatchHistoryRecord, opts RenderOptions, s styles) string {
	title := lipgloss.JoinHorizontal(
		lipgloss.Top,
		s.account.Render(record.BatchID),
		" ",
		s.meta.Render(fmt.Sprintf("%s · model %s", formatRelative(record.VerifiedAt, opts.Now), record.Model)),
	)

	ratio := 0.0
	if record.Total > 0 {
		ratio = float64(record.SuccessCount) / float64(record.Total) * 100
	}
	counts := lipgloss.JoinHorizontal(
		lipgloss.Top,
		renderProgressBar(ratio, 20, s),
		" ",
		s.success.Render(fmt.Sprintf("%d ok", record.SuccessCount)),
		" ",
		s.verify.Render(fmt.Sprintf("%d verify", record.VerificationRequiredCount)),
		" ",
		s.expired.Render(fmt.Sprintf("%d expired", record.AuthExpiredCount)),
		" ",
		s.failed.Render(fmt.Sprintf("%d failed", record.FailedCount)),
		" ",
		s.meta.Render(fmt.Sprintf("of %d", record.Total)),
	)

	parts := []string{title, counts}
	for _, item := range record.Items {
		line := "  " + statusBadge(item.Status, s) + " " + s.detail.Render(accountTitle(item))
		if item.Status != domain.VerificationSuccess && item.LastMessage != "" {
			line += " " + s.meta.Render(truncate(singleLine(item.LastMessage), 80))
		}
		parts = append(parts, line)
	}

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

// FormatProgress renders one progress event as a single line.
func FormatProgress(progress domain.VerificationProgress) string {
	s := newStyles()
	head := s.meta.Render(fmt.Sprintf("[%d/%d]", progress.Completed, progress.Total))
	if progress.Item == nil {
		return fmt.Sprintf("%s %s %d ok, %d verify, %d expired, %d failed",
			head,
			s.title.Render(progress.BatchID+" done:"),
			progress.SuccessCount,
			progress.VerificationRequiredCount,
			progress.AuthExpiredCount,
			progress.FailedCount,
		)
	}

	item := *progress.Item
	line := head + " " + statusBadge(item.Status, s) + " " + accountTitle(item)
	if msg := strings.TrimSpace(item.LastMessage); msg != "" {
		line += " " + s.meta.Render(truncate(singleLine(msg), 80))
	}
	return line
}

func statusBadge(status domain.VerificationStatus, s styles) string {
	switch status {
	case domain.VerificationSuccess:
		return s.success.Render("success")
	case domain.VerificationVerificationRequired:
		return s.verify.Render("verification required")
	case domain.VerificationAuthExpired:
		return s.expired.Render("auth expired")
	case domain.VerificationFailed:
		return s.failed.Render("failed")
	default:
		return s.idle.Render("idle")
	}
}

func accountTitle(item domain.VerificationStateItem) string {
	if email := strings.TrimSpace(item.AccountEmail); email != "" && email != string(item.AccountID) {
		return fmt.Sprintf("%s (%s)", email, item.AccountID)
	}
	return string(item.AccountID)
}

func renderProgressBar(percent float64, width int, s styles) string {
	if width <= 0 {
		return ""
	}

	filled := int(math.Round(float64(width) * clampPercent(percent) / 100))
	filled = min(max(filled, 0), width)

	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		s.barBracket.Render("["),
		s.barFill.Render(strings.Repeat("=", filled)),
		s.barEmpty.Render(strings.Repeat("-", width-filled)),
		s.barBracket.Render("]"),
	)
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func formatRelative(at, now time.Time) string {
	if at.IsZero() {
		return "never"
	}
	if now.IsZero() {
		return at.Format(time.RFC3339)
	}

	elapsed := now.Sub(at)
	switch {
	case elapsed < time.Minute:
		return "just now"
	case elapsed < time.Hour:
		return plural(int(elapsed.Minutes()), "minute") + " ago"
	case elapsed < 24*time.Hour:
		return plural(int(elapsed.Hours()), "hour") + " ago"
	default:
		return fmt.Sprintf("%s ago (%s)", plural(int(elapsed.Hours()/24), "day"), at.Format("15:04 on 02 Jan"))
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

func formatDuration(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	return fmt.Sprintf("%.1fs", float64(ms)/1000)
}

func singleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}
