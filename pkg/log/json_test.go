// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestLevelJSON(t *testing.T) {
	for _, tc := range []struct {
		level Level
		want  string
	}{
		{Warning, `"warning"`},
		{Info, `"info"`},
		{Debug, `"debug"`},
	} {
		b, err := json.Marshal(tc.level)
		if err != nil {
			t.Fatalf("Marshal(%s): %v", tc.level, err)
		}
		if string(b) != tc.want {
			t.Errorf("got Marshal(%s) = %s, want = %s", tc.level, b, tc.want)
		}
	}
	if _, err := json.Marshal(Level(9)); err == nil {
		t.Errorf("Marshal(Level(9)) succeeded, want error")
	}
}

func TestLevelUnmarshal(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: `0`, want: Warning},
		{in: `2`, want: Debug},
		{in: `"info"`, want: Info},
		{in: `"WARN"`, want: Warning},
		{in: `3`, wantErr: true},
		{in: `"loud"`, wantErr: true},
		{in: `true`, wantErr: true},
	} {
		t.Run(tc.in, func(t *testing.T) {
			var got Level
			err := json.Unmarshal([]byte(tc.in), &got)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Unmarshal(%s) err = %v, wantErr = %t", tc.in, err, tc.wantErr)
			}
			if !tc.wantErr && got != tc.want {
				t.Errorf("got Unmarshal(%s) = %s, want = %s", tc.in, got, tc.want)
			}
		})
	}
}

func TestJSONEmitter(t *testing.T) {
	tw := &testWriter{}
	e := JSONEmitter{Writer: &Writer{Next: tw}}
	ts := time.Date(2024, time.May, 7, 9, 8, 7, 0, time.UTC)
	e.Emit(0, Info, ts, "added NIC %d", 1)

	if got, want := tw.count(), 1; got != want {
		t.Fatalf("got %d lines = %q, want = %d", got, tw.lines, want)
	}
	var got jsonLog
	if err := json.Unmarshal([]byte(tw.lines[0]), &got); err != nil {
		t.Fatalf("Unmarshal(%q): %v", tw.lines[0], err)
	}
	if got.Msg != "added NIC 1" || got.Level != Info || !got.Time.Equal(ts) {
		t.Errorf("got %+v, want msg %q at level Info and time %s", got, "added NIC 1", ts)
	}
	if !strings.HasPrefix(got.Caller, "json_test.go:") {
		t.Errorf("got caller = %q, want json_test.go:<line>", got.Caller)
	}
}
