package sentinel

// globMatch reports whether subj matches the glob-style pattern, using the
// same rules redis applies to PSUBSCRIBE patterns: '*' matches any run of
// bytes, '?' matches a single byte, '[...]' matches a set (with '^' negation
// and 'a-z' ranges), and '\' escapes the byte following it.
func globMatch(pattern, subj string) bool {
	// position to resume from if the current attempt fails after a '*'
	starP, starS := -1, 0

	p, s := 0, 0
	for s < len(subj) {
		if p < len(pattern) {
			switch c := pattern[p]; c {
			case '*':
				starP, starS = p, s
				p++
				continue
			case '?':
				p++
				s++
				continue
			case '[':
				if n, ok := matchClass(pattern[p:], subj[s]); n > 0 {
					if ok {
						p += n
						s++
						continue
					}
					break
				}
				// an unterminated class is matched literally
				if subj[s] == c {
					p++
					s++
					continue
				}
			case '\\':
				if p+1 < len(pattern) {
					c = pattern[p+1]
					if subj[s] == c {
						p += 2
						s++
						continue
					}
					break
				}
				fallthrough
			default:
				if subj[s] == c {
					p++
					s++
					continue
				}
			}
		}
		if starP < 0 {
			return false
		}
		starS++
		p, s = starP+1, starS
	}

	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

// matchClass matches b against the '[...]' class at the start of pattern. It
// returns the length of the class, zero if it isn't terminated.
func matchClass(pattern string, b byte) (int, bool) {
	i := 1
	negate := i < len(pattern) && pattern[i] == '^'
	if negate {
		i++
	}

	var matched bool
	for ; i < len(pattern); i++ {
		c := pattern[i]
		switch {
		case c == ']':
			return i + 1, matched != negate
		case c == '\\' && i+1 < len(pattern):
			i++
			matched = matched || pattern[i] == b
		case i+2 < len(pattern) && pattern[i+1] == '-' && pattern[i+2] != ']':
			lo, hi := c, pattern[i+2]
			if lo > hi {
				lo, hi = hi, lo
			}
			matched = matched || (b >= lo && b <= hi)
			i += 2
		default:
			matched = matched || c == b
		}
	}
	return 0, false
}
