// Copyright 2026 SCION Association
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"bytes"
	"fmt"
	"io"
	"strings"
)

// CtxMap contains the context for sample generation.
type CtxMap map[string]string

// WriteSample writes the samplers in order. A TableSampler is written under
// its table header with the body indented by four spaces. It panics if
// writing fails.
func WriteSample(dst io.Writer, path Path, ctx CtxMap, samplers ...Sampler) {
	for _, s := range samplers {
		ts, ok := s.(TableSampler)
		if !ok {
			s.Sample(dst, path, ctx)
			continue
		}
		p := path.Extend(ts.ConfigName())
		var body bytes.Buffer
		ts.Sample(&body, p, ctx)
		WriteString(dst, "\n["+strings.Join(p, ".")+"]\n")
		WriteString(dst, indent(strings.TrimPrefix(body.String(), "\n")))
	}
}

// SampleString returns the sample of s as a string.
func SampleString(s Sampler, ctx CtxMap) string {
	var buf bytes.Buffer
	WriteSample(&buf, nil, ctx, s)
	return buf.String()
}

// WriteString writes the string to dst. It panics if an error occurs.
func WriteString(dst io.Writer, s string) {
	if _, err := io.WriteString(dst, s); err != nil {
		panic(fmt.Sprintf("Unable to write sample err=%s", err))
	}
}

func indent(s string) string {
	lines := strings.Split(strings.TrimSuffix(s, "\n"), "\n")
	var b strings.Builder
	for _, l := range lines {
		if l != "" {
			b.WriteString("    ")
			b.WriteString(l)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
