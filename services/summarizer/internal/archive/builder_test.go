package archive

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"

	"reportd/services/summarizer/internal/model"
	"reportd/services/summarizer/internal/session"
)

func newReportServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for _, name := range []string{"a1", "a2", "b1"} {
		body := "content of " + name
		mux.HandleFunc("/"+name, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, body)
		})
	}
	mux.HandleFunc("/broken", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func readArchive(t *testing.T, path string) map[string]string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer zr.Close()

	out := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open entry %s: %v", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read entry %s: %v", f.Name, err)
		}
		out[f.Name] = string(data)
	}
	return out
}

func TestBuild(t *testing.T) {
	srv := newReportServer(t)
	file := func(name, typ string) model.ReportFile {
		return model.ReportFile{FileName: name + ".txt", FileURL: srv.URL + "/" + name, FileType: typ}
	}

	tests := []struct {
		name         string
		files        []model.ReportFile
		wantEntries  map[string]string
		wantDegraded []string
	}{
		{
			name:  "duplicates collapsed before packaging",
			files: []model.ReportFile{file("a1", "A"), file("a2", "A"), file("b1", "B")},
			wantEntries: map[string]string{
				"a1.txt": "content of a1",
				"b1.txt": "content of b1",
			},
		},
		{
			name:         "failed fetch skipped",
			files:        []model.ReportFile{file("broken", "A"), file("b1", "B")},
			wantEntries:  map[string]string{"b1.txt": "content of b1"},
			wantDegraded: []string{"fetch broken.txt"},
		},
		{
			name: "report named like the archive files",
			files: []model.ReportFile{
				file("a1", "A"),
				{FileName: "s1_final_reports.zip.part", FileURL: srv.URL + "/b1", FileType: "B"},
				{FileName: "s1_final_reports.zip", FileURL: srv.URL + "/a2", FileType: "C"},
			},
			wantEntries: map[string]string{
				"a1.txt":                      "content of a1",
				"B_s1_final_reports.zip.part": "content of b1",
				"C_s1_final_reports.zip":      "content of a2",
			},
		},
		{
			name:         "nothing fetched still yields archive",
			files:        []model.ReportFile{file("broken", "A")},
			wantEntries:  map[string]string{},
			wantDegraded: []string{"fetch broken.txt"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			b, err := NewBuilder(NewHTTPFetcher(srv.Client(), 0), time.Second, zerolog.Nop(), nil)
			if err != nil {
				t.Fatalf("NewBuilder() error = %v", err)
			}

			files, _ := session.Dedup(tt.files)
			arc, degraded, err := b.Build(context.Background(), files, dir, "s1")
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			if want := filepath.Join(dir, "s1_final_reports.zip"); arc.Path != want {
				t.Fatalf("archive path = %q, want %q", arc.Path, want)
			}
			if got := readArchive(t, arc.Path); !reflect.DeepEqual(got, tt.wantEntries) {
				t.Fatalf("archive entries = %v, want %v", got, tt.wantEntries)
			}

			var actions []string
			for _, d := range degraded {
				actions = append(actions, d.Action)
			}
			if !reflect.DeepEqual(actions, tt.wantDegraded) {
				t.Fatalf("degraded = %v, want %v", actions, tt.wantDegraded)
			}
			if _, err := os.Stat(arc.Path + partialSuffix); !errors.Is(err, os.ErrNotExist) {
				t.Fatalf("partial archive left behind: %v", err)
			}
		})
	}
}

func TestBuildMissingFolder(t *testing.T) {
	b, err := NewBuilder(NewHTTPFetcher(nil, 0), time.Second, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("NewBuilder() error = %v", err)
	}
	_, _, err = b.Build(context.Background(), nil, filepath.Join(t.TempDir(), "missing"), "s1")
	if err == nil {
		t.Fatal("Build() into a missing folder should fail")
	}
}

func TestEntryName(t *testing.T) {
	used := map[string]struct{}{}
	var got []string
	for _, f := range []model.ReportFile{
		{FileName: "report.pdf", FileType: "cost"},
		{FileName: "nested/dir/report.pdf", FileType: "risk plan"},
		{FileName: "", FileType: "summary"},
		{FileName: "../../etc/passwd", FileType: "x"},
	} {
		name := entryName(f, used)
		used[name] = struct{}{}
		got = append(got, name)
	}
	sort.Strings(got)
	want := []string{"passwd", "report.pdf", "risk_plan_report.pdf", "summary"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("entry names = %v, want %v", got, want)
	}
	for _, name := range got {
		if strings.ContainsAny(name, `/\`) {
			t.Fatalf("entry name %q is not flat", name)
		}
	}
}
