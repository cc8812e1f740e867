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
	"fmt"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

// count returns the number of complete lines written.
func (w *testWriter) count() int {
	return strings.Count(strings.Join(w.lines, ""), "\n")
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	expected := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if len(tw.lines) != len(expected) {
		t.Fatalf("Writer should have logged %d lines, got: %v, expected: %v", len(expected), tw.lines, expected)
	}
	for i, l := range tw.lines {
		if l != expected[i] {
			t.Fatalf("line %d doesn't match, got: %v, expected: %v", i, l, expected[i])
		}
	}
}

func TestParseLevel(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: "debug", want: Debug},
		{in: "INFO", want: Info},
		{in: "warn", want: Warning},
		{in: "warning", want: Warning},
		{in: "loud", want: Warning, wantErr: true},
	} {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseLevel(tc.in)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ParseLevel(%q) err = %v, wantErr = %t", tc.in, err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("got ParseLevel(%q) = %s, want = %s", tc.in, got, tc.want)
			}
		})
	}
}

func TestBasicLoggerLevels(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}
	l.Debugf("hidden %d", 1)
	l.Infof("shown %d", 2)
	l.Warningf("shown %d", 3)
	if got, want := tw.count(), 2; got != want {
		t.Fatalf("got %d lines = %q, want = %d", got, tw.lines, want)
	}
	l.SetLevel(Debug)
	l.Debugf("now shown")
	if got, want := tw.count(), 3; got != want {
		t.Fatalf("got %d lines = %q, want = %d", got, tw.lines, want)
	}
}

func TestGoogleEmitter(t *testing.T) {
	tw := &testWriter{}
	e := GoogleEmitter{Writer: &Writer{Next: tw}}
	ts := time.Date(2024, time.May, 7, 9, 8, 7, 654321000, time.UTC)
	e.Emit(0, Warning, ts, "value=%d", 42)
	if len(tw.lines) != 1 {
		t.Fatalf("got %d lines, want = 1", len(tw.lines))
	}
	got := tw.lines[0]
	if !strings.HasPrefix(got, "W0507 09:08:07.654321 ") {
		t.Errorf("got line = %q, want W0507 09:08:07.654321 prefix", got)
	}
	if !strings.HasSuffix(got, "] value=42\n") {
		t.Errorf("got line = %q, want suffix %q", got, "] value=42\n")
	}
}

func TestRateLimitedLogger(t *testing.T) {
	tw := &testWriter{}
	l := RateLimitedLogger(&BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}, time.Hour)

	// Below the level, messages neither print nor use up the limit.
	l.Debugf("hidden")
	for i := 0; i < 10; i++ {
		l.Infof("dropped packet %d", i)
	}
	if got, want := tw.count(), 1; got != want {
		t.Fatalf("got %d lines = %q, want = %d", got, tw.lines, want)
	}
	if got, want := tw.lines[0], "dropped packet 0"; got != want {
		t.Errorf("got first line = %q, want = %q", got, want)
	}
	if l.IsLogging(Debug) {
		t.Errorf("got IsLogging(Debug) = true, want = false")
	}

	l.(*rateLimitedLogger).limit.SetLimit(rate.Inf)
	l.Infof("dropped packet %d", 10)
	if got, want := strings.Join(tw.lines, ""), "dropped packet 0\ndropped packet 10 (9 similar messages dropped)\n"; got != want {
		t.Errorf("got output = %q, want = %q", got, want)
	}
}
