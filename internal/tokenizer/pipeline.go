package tokenizer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// gpt2Pattern is the GPT-2 split regex without its trailing lookahead.
const gpt2Pattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`

// llama3Pattern replaces Llama-3 style regexes whose lookahead RE2 rejects.
const llama3Pattern = `(?:'[sS]|'[tT]|'[rR][eE]|'[vV][eE]|'[mM]|'[lL][lL]|'[dD])|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+`

const spaceMarker = "▁"

// preStep splits words further. first reports whether the text is the start
// of the input rather than the tail after an added token.
type preStep func(words []string, first bool) []string

type decodeStep func(tokens []string) []string

func buildNormalizers(c *component) ([]func(string) string, error) {
	var out []func(string) string
	for _, n := range c.flatten() {
		switch n.Type {
		case "Replace":
			f, err := replacer(n)
			if err != nil {
				return nil, fmt.Errorf("normalizer: %w", err)
			}
			out = append(out, f)
		case "Prepend":
			prefix := n.Prepend
			out = append(out, func(s string) string {
				if s == "" {
					return s
				}
				return prefix + s
			})
		case "Lowercase":
			out = append(out, strings.ToLower)
		case "Strip":
			left, right := n.Left, n.Right
			out = append(out, func(s string) string {
				if left {
					s = strings.TrimLeftFunc(s, unicode.IsSpace)
				}
				if right {
					s = strings.TrimRightFunc(s, unicode.IsSpace)
				}
				return s
			})
		case "NFC", "NFKC":
			// Composed forms are what every supported vocabulary stores;
			// input is passed through unchanged.
		default:
			return nil, fmt.Errorf("%w: normalizer %q", ErrUnsupportedModel, n.Type)
		}
	}
	return out, nil
}

func replacer(c component) (func(string) string, error) {
	if c.Pattern.String != nil {
		old, repl := *c.Pattern.String, c.Content
		return func(s string) string { return strings.ReplaceAll(s, old, repl) }, nil
	}
	re, err := regexp.Compile(c.Pattern.Regex)
	if err != nil {
		return nil, fmt.Errorf("%w: replace pattern: %v", ErrUnsupportedModel, err)
	}
	repl := c.Content
	return func(s string) string { return re.ReplaceAllLiteralString(s, repl) }, nil
}

func buildPreTokenizers(c *component) ([]preStep, error) {
	var out []preStep
	for _, p := range c.flatten() {
		switch p.Type {
		case "ByteLevel":
			out = append(out, byteLevelStep(p))
		case "Split":
			re, err := compileSplit(p.Pattern.Regex, p.Pattern.String)
			if err != nil {
				return nil, err
			}
			removed := p.Behavior == "Removed"
			out = append(out, func(words []string, _ bool) []string {
				return eachWord(words, func(w string) []string { return splitRegex(re, w, removed) })
			})
		case "Metaspace":
			out = append(out, metaspaceStep(p))
		case "Digits":
			individual := p.Individual
			out = append(out, func(words []string, _ bool) []string {
				return eachWord(words, func(w string) []string { return splitDigits(w, individual) })
			})
		case "WhitespaceSplit":
			out = append(out, func(words []string, _ bool) []string {
				return eachWord(words, strings.Fields)
			})
		default:
			return nil, fmt.Errorf("%w: pre-tokenizer %q", ErrUnsupportedModel, p.Type)
		}
	}
	return out, nil
}

func byteLevelStep(c component) preStep {
	enc, _ := bytesToUnicode()
	useRegex := c.UseRegex == nil || *c.UseRegex
	addPrefix := c.AddPrefixSpace != nil && *c.AddPrefixSpace
	re := regexp.MustCompile(gpt2Pattern)
	return func(words []string, first bool) []string {
		var out []string
		for i, w := range words {
			if addPrefix && first && i == 0 && !strings.HasPrefix(w, " ") {
				w = " " + w
			}
			parts := []string{w}
			if useRegex {
				parts = splitRegex(re, w, false)
			}
			for _, part := range parts {
				var b strings.Builder
				for i := 0; i < len(part); i++ {
					b.WriteString(enc[part[i]])
				}
				out = append(out, b.String())
			}
		}
		return out
	}
}

func metaspaceStep(c component) preStep {
	repl := c.Replacement
	if repl == "" {
		repl = spaceMarker
	}
	scheme := c.PrependScheme
	if scheme == "" {
		scheme = "always"
		if c.AddPrefixSpace != nil && !*c.AddPrefixSpace {
			scheme = "never"
		}
	}
	split := c.Split == nil || *c.Split
	return func(words []string, first bool) []string {
		var out []string
		for i, w := range words {
			w = strings.ReplaceAll(w, " ", repl)
			prepend := scheme == "always" || (scheme == "first" && first && i == 0)
			if prepend && !strings.HasPrefix(w, repl) {
				w = repl + w
			}
			if split {
				out = append(out, splitBefore(w, repl)...)
			} else {
				out = append(out, w)
			}
		}
		return out
	}
}

func compileSplit(pattern string, literal *string) (*regexp.Regexp, error) {
	if literal != nil {
		return regexp.MustCompile(regexp.QuoteMeta(*literal)), nil
	}
	re, err := regexp.Compile(pattern)
	if err == nil {
		return re, nil
	}
	// RE2 has no lookahead; the Llama-3 family pattern has a close RE2 form.
	if strings.Contains(pattern, `(?!\S)`) {
		return regexp.MustCompile(llama3Pattern), nil
	}
	return nil, fmt.Errorf("%w: split pattern: %v", ErrUnsupportedModel, err)
}

func eachWord(words []string, f func(string) []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		out = append(out, f(w)...)
	}
	return out
}

// splitRegex isolates every match of re, keeping the text between matches.
func splitRegex(re *regexp.Regexp, s string, dropMatches bool) []string {
	var out []string
	last := 0
	for _, loc := range re.FindAllStringIndex(s, -1) {
		if loc[0] > last {
			out = append(out, s[last:loc[0]])
		}
		if loc[1] > loc[0] && !dropMatches {
			out = append(out, s[loc[0]:loc[1]])
		}
		last = loc[1]
	}
	if last < len(s) {
		out = append(out, s[last:])
	}
	return out
}

// splitBefore cuts s in front of every occurrence of sep.
func splitBefore(s, sep string) []string {
	var out []string
	for s != "" {
		from := 0
		if strings.HasPrefix(s, sep) {
			from = len(sep)
		}
		i := strings.Index(s[from:], sep)
		if i < 0 {
			out = append(out, s)
			break
		}
		out = append(out, s[:from+i])
		s = s[from+i:]
	}
	return out
}

func splitDigits(s string, individual bool) []string {
	var out []string
	start := 0
	prevDigit := false
	for i, r := range s {
		d := unicode.IsDigit(r)
		if i > start && (d != prevDigit || (d && individual)) {
			out = append(out, s[start:i])
			start = i
		}
		prevDigit = d
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func buildDecoders(c *component) ([]decodeStep, error) {
	var out []decodeStep
	for _, d := range c.flatten() {
		switch d.Type {
		case "ByteLevel":
			_, dec := bytesToUnicode()
			out = append(out, func(toks []string) []string {
				var b []byte
				for _, r := range strings.Join(toks, "") {
					if by, ok := dec[r]; ok {
						b = append(b, by)
					} else {
						b = utf8.AppendRune(b, r)
					}
				}
				return []string{strings.ToValidUTF8(string(b), "�")}
			})
		case "Replace":
			f, err := replacer(d)
			if err != nil {
				return nil, fmt.Errorf("decoder: %w", err)
			}
			out = append(out, func(toks []string) []string {
				for i, t := range toks {
					toks[i] = f(t)
				}
				return toks
			})
		case "ByteFallback":
			out = append(out, byteFallbackDecode)
		case "Fuse":
			out = append(out, func(toks []string) []string { return []string{strings.Join(toks, "")} })
		case "Strip":
			out = append(out, stripDecode(d.Content, d.Start, d.Stop))
		case "Metaspace":
			repl := d.Replacement
			if repl == "" {
				repl = spaceMarker
			}
			stripFirst := d.PrependScheme != "never" && (d.AddPrefixSpace == nil || *d.AddPrefixSpace)
			out = append(out, func(toks []string) []string {
				for i, t := range toks {
					t = strings.ReplaceAll(t, repl, " ")
					if i == 0 && stripFirst {
						t = strings.TrimPrefix(t, " ")
					}
					toks[i] = t
				}
				return toks
			})
		default:
			return nil, fmt.Errorf("%w: decoder %q", ErrUnsupportedModel, d.Type)
		}
	}
	return out, nil
}

// byteFallbackDecode turns runs of <0xNN> tokens into the bytes they encode.
// Runs that are not valid UTF-8 decode to U+FFFD per byte.
func byteFallbackDecode(toks []string) []string {
	out := make([]string, 0, len(toks))
	var pending []byte
	flush := func() {
		if len(pending) == 0 {
			return
		}
		if utf8.Valid(pending) {
			out = append(out, string(pending))
		} else {
			out = append(out, strings.Repeat("�", len(pending)))
		}
		pending = pending[:0]
	}
	for _, t := range toks {
		if b, ok := parseByteToken(t); ok {
			pending = append(pending, b)
			continue
		}
		flush()
		out = append(out, t)
	}
	flush()
	return out
}

func parseByteToken(t string) (byte, bool) {
	if len(t) != 6 || !strings.HasPrefix(t, "<0x") || t[5] != '>' {
		return 0, false
	}
	v, err := strconv.ParseUint(t[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(v), true
}

func stripDecode(content string, start, stop int) decodeStep {
	return func(toks []string) []string {
		for i, t := range toks {
			for n := 0; n < start && strings.HasPrefix(t, content) && content != ""; n++ {
				t = t[len(content):]
			}
			for n := 0; n < stop && strings.HasSuffix(t, content) && content != ""; n++ {
				t = t[:len(t)-len(content)]
			}
			toks[i] = t
		}
		return toks
	}
}
