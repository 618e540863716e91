package session

import (
	"reflect"
	"testing"

	"reportd/services/summarizer/internal/model"
)

func TestDedup(t *testing.T) {
	a1 := model.ReportFile{FileName: "a1.pdf", FileURL: "http://x/a1", FileType: "A"}
	a2 := model.ReportFile{FileName: "a2.pdf", FileURL: "http://x/a2", FileType: "A"}
	b1 := model.ReportFile{FileName: "b1.pdf", FileURL: "http://x/b1", FileType: "B"}
	c1 := model.ReportFile{FileName: "c1.pdf", FileURL: "http://x/c1", FileType: "C"}

	tests := []struct {
		name        string
		input       []model.ReportFile
		want        []model.ReportFile
		wantDropped int
	}{
		{
			name:  "empty input",
			input: nil,
			want:  []model.ReportFile{},
		},
		{
			name:        "first seen wins",
			input:       []model.ReportFile{a1, a2, b1},
			want:        []model.ReportFile{a1, b1},
			wantDropped: 1,
		},
		{
			name:        "order preserved across interleaving",
			input:       []model.ReportFile{b1, a2, c1, a1, b1},
			want:        []model.ReportFile{b1, a2, c1},
			wantDropped: 2,
		},
		{
			name:  "no duplicates",
			input: []model.ReportFile{c1, a1},
			want:  []model.ReportFile{c1, a1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, dropped := Dedup(tt.input)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Dedup() = %v, want %v", got, tt.want)
			}
			if dropped != tt.wantDropped {
				t.Fatalf("Dedup() dropped = %d, want %d", dropped, tt.wantDropped)
			}

			again, droppedAgain := Dedup(got)
			if !reflect.DeepEqual(again, got) {
				t.Fatalf("Dedup() is not idempotent: %v then %v", got, again)
			}
			if droppedAgain != 0 {
				t.Fatalf("second Dedup() dropped %d", droppedAgain)
			}
		})
	}
}

func TestFolderPath(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want string
	}{
		{name: "prefix added", id: "abc", want: "scratch/Temp_abc"},
		{name: "prefix kept", id: "Temp_abc", want: "scratch/Temp_abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FolderPath("scratch", tt.id); got != tt.want {
				t.Fatalf("FolderPath() = %q, want %q", got, tt.want)
			}
		})
	}
}
