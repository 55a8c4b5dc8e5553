// Package report renders the HTML schedule report and sends it, along
// with ad-hoc monitor alerts, over SMTP.
package report

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"os"
	"strings"
	"time"

	"github.com/oriys/poolsched/internal/config"
	"github.com/oriys/poolsched/internal/poolinfo"
)

// Row is one line of the schedule report table, units converted from
// MB to GB per the original's convert_mem_unit default.
type Row struct {
	ResourcePool string
	MemBeforeGB  int64
	MemAfterGB   int64
	MemMovedGB   int64
	MemUsedGB    int64
	MemLackGB    int64
	QueryTotal   int
	RunSecs      int64
	WaitSecs     int64
	Weight       float64
	MinMemGB     int64
	MaxMemGB     int64
}

const mbPerGB = 1024.0

func toGB(mb float64) int64 {
	return int64(mb / mbPerGB)
}

// BuildRows converts one cycle's pool information and target
// allocations into the report table. A pool absent from targets kept
// its current memory, matching pools_allocated_mem.get(name, current).
func BuildRows(pools map[string]poolinfo.PoolInfo, targets map[string]float64) []Row {
	rows := make([]Row, 0, len(pools))
	for _, p := range pools {
		after, moved := p.CurrentMem, 0.0
		if t, ok := targets[p.PoolName]; ok {
			after = t
			moved = t - p.CurrentMem
		}

		// mem_used mirrors the original's ternary: report current_mem
		// (i.e. "fully utilized") when there was no wait demand, else
		// the actual time-weighted usage average.
		memUsed := float64(p.Stat.UsedMemAvg)
		if p.Stat.WaitMemAvg == 0 {
			memUsed = p.CurrentMem
		}

		rows = append(rows, Row{
			ResourcePool: p.PoolName,
			MemBeforeGB:  toGB(p.CurrentMem),
			MemAfterGB:   toGB(after),
			MemMovedGB:   toGB(moved),
			MemUsedGB:    toGB(memUsed),
			MemLackGB:    toGB(float64(p.Stat.WaitMemAvg)),
			QueryTotal:   p.Stat.QueryTotal,
			RunSecs:      int64(p.Stat.RunSecs),
			WaitSecs:     int64(p.Stat.WaitSecs),
			Weight:       p.Weight,
			MinMemGB:     toGB(p.MinMem),
			MaxMemGB:     toGB(p.MaxMem),
		})
	}
	return rows
}

const defaultScheduleTemplate = `<html>
<head><meta charset="utf-8"></head>
<body>
<h2>{{.StartTime}} ~ {{.EndTime}} impala memory schedule report</h2>
<table border="1" cellspacing="0" cellpadding="4">
<tr>
<th>Resource Pool</th><th>Mem Before (GB)</th><th>Mem After (GB)</th><th>Mem Moved (GB)</th>
<th>Mem Used (GB)</th><th>Mem Lack (GB)</th><th>Queries</th><th>Run (s)</th><th>Wait (s)</th>
<th>Weight</th><th>Min Mem (GB)</th><th>Max Mem (GB)</th>
</tr>
{{range .Rows}}<tr>
<td>{{.ResourcePool}}</td><td>{{.MemBeforeGB}}</td><td>{{.MemAfterGB}}</td><td>{{.MemMovedGB}}</td>
<td>{{.MemUsedGB}}</td><td>{{.MemLackGB}}</td><td>{{.QueryTotal}}</td><td>{{.RunSecs}}</td><td>{{.WaitSecs}}</td>
<td>{{.Weight}}</td><td>{{.MinMemGB}}</td><td>{{.MaxMemGB}}</td>
</tr>{{end}}
</table>
</body>
</html>`

type templateData struct {
	StartTime, EndTime string
	Rows               []Row
}

// RenderSchedule fills resources/schedule_report_templet.html (or the
// built-in fallback, if the file can't be read) with one cycle's rows.
func RenderSchedule(templatePath string, rows []Row, start, end time.Time) (string, error) {
	tmplSrc := defaultScheduleTemplate
	if templatePath != "" {
		if data, err := readTemplateFile(templatePath); err == nil {
			tmplSrc = data
		}
	}

	t, err := template.New("schedule_report").Parse(tmplSrc)
	if err != nil {
		return "", fmt.Errorf("parse schedule report template: %w", err)
	}

	var buf bytes.Buffer
	err = t.Execute(&buf, templateData{
		StartTime: start.Format(time.RFC3339),
		EndTime:   end.Format(time.RFC3339),
		Rows:      rows,
	})
	if err != nil {
		return "", fmt.Errorf("render schedule report: %w", err)
	}
	return buf.String(), nil
}

// ScheduleSubject reproduces the original's subject line format.
func ScheduleSubject(start, end time.Time) string {
	return fmt.Sprintf("%s ~ %s impala memory schedule report", start.Format(time.RFC3339), end.Format(time.RFC3339))
}

// MonitorSubject is the fixed subject the original sends on any fatal
// cycle error, regardless of the error's content.
const MonitorSubject = "scheduler daemon down"

// SendSchedule renders and emails the schedule report when
// cfg.Report.EnableScheduleReport is set.
func SendSchedule(cfg *config.Config, templatePath string, pools map[string]poolinfo.PoolInfo, targets map[string]float64, start, end time.Time) error {
	if !cfg.Report.EnableScheduleReport {
		return nil
	}
	html, err := RenderSchedule(templatePath, BuildRows(pools, targets), start, end)
	if err != nil {
		return err
	}
	return Send(cfg.Email, ScheduleSubject(start, end), html)
}

// SendMonitor emails a cycle's fatal error text when
// cfg.Report.EnableMonitorReport is set. Failures to send are the
// caller's responsibility to log — a failed send is never
// escalated.
func SendMonitor(cfg *config.Config, errText string) error {
	if !cfg.Report.EnableMonitorReport {
		return nil
	}
	return Send(cfg.Email, MonitorSubject, "<pre>"+template.HTMLEscapeString(errText)+"</pre>")
}

// Send delivers one HTML-subtype message to every configured receiver
// in a single SMTP session, mirroring the original's single sendmail
// call with a comma-separated receiver list.
func Send(cfg config.EmailConfig, subject, htmlBody string) error {
	if len(cfg.Receivers) == 0 {
		return fmt.Errorf("report: no email receivers configured")
	}

	msg := buildMIMEMessage(cfg.Username, cfg.Receivers, subject, htmlBody)

	host := cfg.Server
	if idx := strings.Index(host, ":"); idx >= 0 {
		host = host[:idx]
	}

	auth := smtp.PlainAuth("", cfg.Username, cfg.Password, host)
	return smtp.SendMail(cfg.Server, auth, cfg.Username, cfg.Receivers, []byte(msg))
}

func buildMIMEMessage(from string, to []string, subject, htmlBody string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n\r\n")
	b.WriteString(htmlBody)
	return b.String()
}

func readTemplateFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
