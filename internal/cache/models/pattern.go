package models

// MatchPattern reports whether key matches a Redis-style glob: '*' matches any
// run of bytes (including '/' and ':'), '?' one byte, '[abc]' and '[a-z]' a
// class ('^' or '!' negates), and '\' escapes the next byte.
func MatchPattern(pattern, key string) bool {
	px, kx := 0, 0
	// Backtracking point for the most recent '*'.
	starP, starK := -1, 0
	for kx < len(key) {
		if px < len(pattern) {
			switch pattern[px] {
			case '*':
				starP, starK = px, kx
				px++
				continue
			case '?':
				px++
				kx++
				continue
			case '[':
				if matched, next, ok := matchClass(pattern, px, key[kx]); ok {
					if matched {
						px = next
						kx++
						continue
					}
				} else if key[kx] == '[' {
					px++
					kx++
					continue
				}
			case '\\':
				if px+1 < len(pattern) && pattern[px+1] == key[kx] {
					px += 2
					kx++
					continue
				}
			default:
				if pattern[px] == key[kx] {
					px++
					kx++
					continue
				}
			}
		}
		if starP < 0 {
			return false
		}
		starK++
		px, kx = starP+1, starK
	}
	for px < len(pattern) && pattern[px] == '*' {
		px++
	}
	return px == len(pattern)
}

// matchClass evaluates the class starting at pattern[start] == '['. ok is
// false when the class is unterminated, in which case '[' is literal.
func matchClass(pattern string, start int, c byte) (matched bool, next int, ok bool) {
	i := start + 1
	negate := false
	if i < len(pattern) && (pattern[i] == '^' || pattern[i] == '!') {
		negate = true
		i++
	}
	first := true
	for i < len(pattern) {
		if pattern[i] == ']' && !first {
			return matched != negate, i + 1, true
		}
		first = false
		lo := pattern[i]
		if lo == '\\' && i+1 < len(pattern) {
			i++
			lo = pattern[i]
		}
		hi := lo
		if i+2 < len(pattern) && pattern[i+1] == '-' && pattern[i+2] != ']' {
			hi = pattern[i+2]
			i += 2
		}
		if lo <= c && c <= hi {
			matched = true
		}
		i++
	}
	return false, 0, false
}

// LiteralPrefix returns the part of pattern before its first glob metacharacter.
func LiteralPrefix(pattern string) string {
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '*', '?', '[', '\\':
			return pattern[:i]
		}
	}
	return pattern
}
