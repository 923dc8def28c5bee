package observe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/execd/execpool/common/stats"
)

// Snapshotter is the read-only view a pool publishes: failures (finished
// jobs with non-zero exit code and tasks with at least one failed job),
// non-finished jobs, and started tasks.
type Snapshotter interface {
	FailuresSnapshot() []Item
	JobsSnapshot() []Item
	TasksSnapshot() []Item
}

// Server exposes a pool snapshot plus health and metrics over HTTP.
type Server struct {
	Addr   string
	Source Snapshotter
	Stats  stats.StatsReceiver
	mux    *http.ServeMux
}

func NewServer(addr string, source Snapshotter, stat stats.StatsReceiver) *Server {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	s := &Server{Addr: addr, Source: source, Stats: stat, mux: http.NewServeMux()}
	s.mux.HandleFunc("/", helpHandler)
	s.mux.HandleFunc("/health", healthHandler)
	s.mux.HandleFunc("/admin/metrics.json", s.statsHandler)
	s.mux.HandleFunc("/failures", s.itemsHandler(func() []Item { return s.Source.FailuresSnapshot() }))
	s.mux.HandleFunc("/jobs", s.itemsHandler(func() []Item { return s.Source.JobsSnapshot() }))
	s.mux.HandleFunc("/tasks", s.itemsHandler(func() []Item { return s.Source.TasksSnapshot() }))
	return s
}

func (s *Server) Serve() error {
	log.Info("Serving pool status on ", s.Addr)
	return http.ListenAndServe(s.Addr, s.mux)
}

// Handler returns the underlying mux, for embedders that manage their own
// listener.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func helpHandler(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "Common paths: '/health', '/admin/metrics.json', '/failures', '/jobs', '/tasks'."+
		" Query params: fltr=pname[*][:beg[..end]]|..., jlim=N, fmt=html", 501)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "ok")
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	const contentTypeHdr = "Content-Type"
	const contentTypeVal = "application/json; charset=utf-8"
	w.Header().Set(contentTypeHdr, contentTypeVal)

	pretty := r.URL.Query().Get("pretty") == "true"
	str := s.Stats.Render(pretty)
	if _, err := io.Copy(w, bytes.NewBuffer(str)); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
}

func (s *Server) itemsHandler(snapshot func() []Item) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query, err := ParseQuery(r.URL.Query().Get("fltr"), r.URL.Query().Get("jlim"))
		if err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		items := query.Filter(snapshot(), query.JobLimit)
		if r.URL.Query().Get("fmt") == "html" {
			writeHTML(w, r.URL.Path, items)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if err := json.NewEncoder(w).Encode(items); err != nil {
			log.Errorf("Error encoding %s snapshot: %v", r.URL.Path, err)
		}
	}
}

var tableTmpl = template.Must(template.New("items").Parse(`<html><head><title>{{.Title}}</title></head>
<body><h2>{{.Title}}</h2><table border="1" cellpadding="4">
<tr>{{range .Cols}}<th>{{.}}</th>{{end}}</tr>
{{range .Rows}}<tr>{{range .}}<td>{{.}}</td>{{end}}</tr>{{end}}
</table></body></html>
`))

func writeHTML(w http.ResponseWriter, title string, items []Item) {
	cols := map[string]bool{}
	for _, item := range items {
		for k := range item {
			cols[k] = true
		}
	}
	var colNames []string
	for k := range cols {
		colNames = append(colNames, k)
	}
	sort.Strings(colNames)

	rows := make([][]string, 0, len(items))
	for _, item := range items {
		row := make([]string, 0, len(colNames))
		for _, c := range colNames {
			if v, ok := item[c]; ok {
				row = append(row, fmt.Sprintf("%v", v))
			} else {
				row = append(row, "")
			}
		}
		rows = append(rows, row)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := tableTmpl.Execute(w, struct {
		Title string
		Cols  []string
		Rows  [][]string
	}{title, colNames, rows})
	if err != nil {
		log.Errorf("Error rendering %s table: %v", title, err)
	}
}
