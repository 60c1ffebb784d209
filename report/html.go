package report

import (
	"fmt"
	"html/template"
	"io"
	"time"

	usersim "github.com/usersim/usersim-go"
	"github.com/usersim/usersim-go/audit"
)

// Data is everything the HTML report can draw on. Registry is optional;
// when present it supplies observer roles and goals.
type Data struct {
	Matrix      *usersim.Matrix
	Audit       *audit.Report
	Registry    *usersim.Registry
	Backend     string
	GeneratedAt time.Time
}

type page struct {
	GeneratedAt    string
	Backend        string
	Satisfied      int
	Total          int
	ScorePct       string
	ObserverCount  int
	PathCount      int
	EffectiveTests int64
	Gaps           []gapRow
	Cards          []observerCard
	Findings       []findingRow
}

type gapRow struct {
	Observer string
	Label    string
}

type observerCard struct {
	Name      string
	Role      string
	Goal      string
	PassCount int
	PathCount int
	AllPass   bool
	Paths     []pathSection
}

type pathSection struct {
	Path      string
	Satisfied bool
	Score     string
	Rows      []requirementRow
}

type requirementRow struct {
	Sym      string
	Class    string
	Label    string
	ExprRepr string
	Error    string
}

type findingRow struct {
	Code     string
	Severity string
	Message  string
}

// WriteHTML renders a self-contained report page.
func WriteHTML(w io.Writer, d Data) error {
	return reportTmpl.Execute(w, buildPage(d))
}

func buildPage(d Data) page {
	m := d.Matrix
	observers := m.Observers()
	paths := m.Paths()

	p := page{
		GeneratedAt:    d.GeneratedAt.UTC().Format(time.RFC3339),
		Backend:        d.Backend,
		Satisfied:      m.Summary.SatisfiedCount,
		Total:          m.Summary.TotalCount,
		ScorePct:       fmt.Sprintf("%.0f%%", scorePct(m)),
		ObserverCount:  len(observers),
		PathCount:      len(paths),
		EffectiveTests: m.Summary.EffectiveTests,
	}

	if d.Audit != nil {
		for _, e := range d.Audit.Vacuous {
			p.Gaps = append(p.Gaps, gapRow{Observer: e.Observer, Label: e.Label})
		}
		for _, f := range d.Audit.Findings() {
			p.Findings = append(p.Findings, findingRow{
				Code:     f.Code,
				Severity: f.Severity,
				Message:  f.Message,
			})
		}
	}

	for _, name := range observers {
		card := observerCard{Name: name}
		if d.Registry != nil {
			if obs, ok := d.Registry.Get(name); ok {
				card.Role = obs.Role
				card.Goal = obs.Goal
			}
		}
		for _, path := range paths {
			cell, ok := m.Cell(name, path)
			if !ok {
				continue
			}
			card.PathCount++
			if cell.Satisfied {
				card.PassCount++
			}
			section := pathSection{
				Path:      path,
				Satisfied: cell.Satisfied,
				Score:     fmt.Sprintf("%.3f", cell.Score),
			}
			for _, res := range cell.Results {
				section.Rows = append(section.Rows, requirementRow{
					Sym:      resultSym(res),
					Class:    resultClass(res),
					Label:    res.Label,
					ExprRepr: res.ExprRepr,
					Error:    res.Err,
				})
			}
			card.Paths = append(card.Paths, section)
		}
		card.AllPass = card.PassCount == card.PathCount
		p.Cards = append(p.Cards, card)
	}
	return p
}

func resultSym(res usersim.Result) string {
	switch {
	case res.Vacuous():
		return "–"
	case res.Passed:
		return "✓"
	default:
		return "✗"
	}
}

func resultClass(res usersim.Result) string {
	switch {
	case res.Vacuous():
		return "c-pass c-unexercised"
	case res.Passed:
		return "c-pass"
	default:
		return "c-fail"
	}
}

var reportTmpl = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>usersim judgement report</title>
  <style>
:root {
  --bg:     #0d1117;
  --card:   #161b22;
  --card2:  #1c2128;
  --border: #30363d;
  --text:   #e6edf3;
  --muted:  #8b949e;
  --pass:   #3fb950;
  --fail:   #f85149;
  --blue:   #58a6ff;
  --orange: #ffa657;
  --mono:   'SF Mono', 'Consolas', 'Menlo', monospace;
}
* { box-sizing: border-box; margin: 0; padding: 0; }
body {
  font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif;
  background: var(--bg); color: var(--text);
  padding: 32px 24px; min-height: 100vh;
}
header {
  border-bottom: 1px solid var(--border);
  padding-bottom: 20px; margin-bottom: 28px;
}
header h1 { font-size: 22px; font-weight: 600; margin-bottom: 6px; }
.summary { font-size: 13px; color: var(--muted); display: flex; gap: 20px; flex-wrap: wrap; }
.summary strong { color: var(--text); }
.summary .s-pass { color: var(--pass); font-weight: 600; }
.summary .s-fail { color: var(--fail); font-weight: 600; }

.gaps-section {
  background: rgba(255,166,87,.08); border: 1px solid var(--orange);
  border-radius: 10px; padding: 18px 22px; margin-bottom: 24px;
}
.gaps-title { font-weight: 700; color: var(--orange); margin-bottom: 6px; font-size: 14px; }
.gaps-desc { font-size: 12px; color: var(--muted); margin-bottom: 14px; line-height: 1.5; }
.gaps-table { border-collapse: collapse; width: 100%; }
.gaps-table th {
  font-size: 11px; text-transform: uppercase; letter-spacing: .06em;
  color: var(--muted); padding: 6px 12px;
  border-bottom: 1px solid var(--border); text-align: left;
}
.gaps-table td {
  padding: 6px 12px; border-bottom: 1px solid #21262d; font-size: 12px;
}
.gaps-table td.gap-label { font-family: var(--mono); font-size: 11px; color: var(--blue); }

.card {
  background: var(--card); border: 1px solid var(--border);
  border-radius: 12px; margin-bottom: 14px; overflow: hidden;
}
.card-head {
  display: flex; align-items: baseline; gap: 14px;
  padding: 14px 20px; background: var(--card2);
  border-bottom: 1px solid var(--border);
}
.observer-name { font-size: 15px; font-weight: 700; }
.observer-role { font-size: 11px; color: var(--muted); flex: 1; }
.pass-badge { font-size: 11px; font-weight: 600; padding: 2px 8px; border-radius: 10px; }
.badge-all { background: rgba(63,185,80,.2); color: var(--pass); }
.badge-some { background: rgba(248,81,73,.15); color: var(--fail); }
.goal-text { font-size: 12px; color: var(--muted); padding: 10px 20px 0; }

.path-section { padding: 12px 20px 16px; }
.path-head {
  display: flex; align-items: center; gap: 10px;
  font-size: 12px; font-weight: 600; margin-bottom: 8px;
}
.path-head .score { color: var(--muted); font-weight: 400; }
.path-head.pass .path-name { color: var(--pass); }
.path-head.fail .path-name { color: var(--fail); }

.req-table { border-collapse: collapse; width: 100%; }
.req-table td {
  padding: 4px 9px; border-bottom: 1px solid #21262d;
  font-size: 11px; font-family: var(--mono); line-height: 1.6;
  vertical-align: top;
}
.req-table td.c-sym { width: 20px; opacity: .8; }
.req-table tr.c-pass td { color: var(--blue); }
.req-table tr.c-fail td { color: var(--fail); }
.req-table tr.c-unexercised td { opacity: 0.4; }
.req-table td.c-expr { color: var(--muted); word-break: break-word; }
.req-table td.c-err { color: var(--orange); }

.audit-section {
  background: var(--card); border: 1px solid var(--border);
  border-radius: 12px; padding: 18px 22px; margin-top: 24px;
}
.audit-title { font-weight: 700; font-size: 14px; margin-bottom: 10px; }
.finding { display: flex; gap: 10px; font-size: 12px; padding: 4px 0; }
.finding .f-code {
  font-family: var(--mono); font-size: 10px; white-space: nowrap;
  padding: 1px 6px; border-radius: 8px; align-self: center;
}
.finding.warning .f-code { background: rgba(255,166,87,.15); color: var(--orange); }
.finding.info .f-code { background: rgba(88,166,255,.12); color: var(--blue); }
.finding .f-msg { color: var(--muted); }
.audit-clean { font-size: 12px; color: var(--pass); }
  </style>
</head>
<body>

<header>
  <div>
    <h1>usersim judgement report</h1>
    <div class="summary">
      <span><strong>{{.Satisfied}}</strong> / <strong>{{.Total}}</strong> observer×path checks satisfied ({{.ScorePct}})</span>
      <span><strong>{{.ObserverCount}}</strong> observers &nbsp; <strong>{{.PathCount}}</strong> paths</span>
      <span>effective tests <strong>{{.EffectiveTests}}</strong></span>
      {{if .Backend}}<span>backend <strong>{{.Backend}}</strong></span>{{end}}
      <span>generated {{.GeneratedAt}}</span>
    </div>
  </div>
</header>

{{if .Gaps}}
<div class="gaps-section">
  <div class="gaps-title">⚠️ Never-exercised requirements</div>
  <p class="gaps-desc">These conditional requirements had their antecedent false on every path.
  Add paths where the condition is true to properly test them.</p>
  <table class="gaps-table">
    <thead><tr><th>Observer</th><th>Requirement</th></tr></thead>
    <tbody>
    {{range .Gaps}}<tr><td>{{.Observer}}</td><td class="gap-label">{{.Label}}</td></tr>
    {{end}}</tbody>
  </table>
</div>
{{end}}

{{range .Cards}}
<div class="card">
  <div class="card-head">
    <span class="observer-name">{{.Name}}</span>
    <span class="observer-role">{{.Role}}</span>
    <span class="pass-badge {{if .AllPass}}badge-all{{else}}badge-some{{end}}">{{.PassCount}}/{{.PathCount}} paths</span>
  </div>
  {{if .Goal}}<div class="goal-text">{{.Goal}}</div>{{end}}
  {{range .Paths}}
  <div class="path-section">
    <div class="path-head {{if .Satisfied}}pass{{else}}fail{{end}}">
      <span class="path-name">{{.Path}}</span>
      <span class="score">score {{.Score}}</span>
    </div>
    <table class="req-table">
      <tbody>
      {{range .Rows}}<tr class="{{.Class}}">
        <td class="c-sym">{{.Sym}}</td>
        <td class="c-label">{{.Label}}</td>
        <td class="c-expr">{{.ExprRepr}}</td>
        {{if .Error}}<td class="c-err">{{.Error}}</td>{{end}}
      </tr>
      {{end}}</tbody>
    </table>
  </div>
  {{end}}
</div>
{{end}}

<div class="audit-section">
  <div class="audit-title">Requirement health</div>
  {{if .Findings}}
  {{range .Findings}}<div class="finding {{.Severity}}">
    <span class="f-code">{{.Code}}</span>
    <span class="f-msg">{{.Message}}</span>
  </div>
  {{end}}
  {{else}}
  <div class="audit-clean">✓ no findings</div>
  {{end}}
</div>

</body>
</html>
`))
