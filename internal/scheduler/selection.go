package scheduler

import (
	"strconv"
	"strings"
)

var ordinals = map[string]int{
	"first": 1, "1st": 1,
	"second": 2, "2nd": 2,
	"third": 3, "3rd": 3,
	"fourth": 4, "4th": 4,
	"fifth": 5, "5th": 5,
}

var numberWords = map[string]int{"one": 1, "two": 2, "three": 3, "four": 4, "five": 5}

var optionNouns = map[string]bool{"option": true, "number": true, "slot": true, "choice": true, "#": true}

// ParseSelection extracts the chosen option label from a free-text reply
// such as "2", "option 2", "#2" or "the second one". Replies naming more than
// one distinct option, or none in 1..n, are rejected.
func ParseSelection(reply string, n int) (string, bool) {
	fields := strings.FieldsFunc(strings.ToLower(reply), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '#')
	})

	// "#2" arrives as a single token.
	var tokens []string
	for _, f := range fields {
		if strings.HasPrefix(f, "#") && len(f) > 1 {
			tokens = append(tokens, "#", f[1:])
			continue
		}
		tokens = append(tokens, f)
	}

	choice := 0
	for i, tok := range tokens {
		v := 0
		if d, err := strconv.Atoi(tok); err == nil {
			v = d
		} else if o, ok := ordinals[tok]; ok {
			v = o
		} else if w, ok := numberWords[tok]; ok && i > 0 && optionNouns[tokens[i-1]] {
			v = w
		}
		if v == 0 {
			continue
		}
		if v < 1 || v > n {
			return "", false
		}
		if choice != 0 && choice != v {
			return "", false
		}
		choice = v
	}
	if choice == 0 {
		return "", false
	}
	return strconv.Itoa(choice), true
}
