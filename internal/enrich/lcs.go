package enrich

import "github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/record"

// HighlightSpans runs a classic O(|a|*|b|) dynamic-programming LCS over
// the short raw strings a (matcher name) and b (consignor name), then
// merges the resulting index set in a into maximal half-open ranges.
func HighlightSpans(a, b string) []record.Span {
	ra, rb := []rune(a), []rune(b)
	n, m := len(ra), len(rb)
	if n == 0 || m == 0 {
		return nil
	}

	dp := make([][]int, n+1)
	for i := range dp {
		dp[i] = make([]int, m+1)
	}
	for i := 1; i <= n; i++ {
		for j := 1; j <= m; j++ {
			if ra[i-1] == rb[j-1] {
				dp[i][j] = dp[i-1][j-1] + 1
			} else if dp[i-1][j] >= dp[i][j-1] {
				dp[i][j] = dp[i-1][j]
			} else {
				dp[i][j] = dp[i][j-1]
			}
		}
	}

	matched := make([]bool, n)
	i, j := n, m
	for i > 0 && j > 0 {
		switch {
		case ra[i-1] == rb[j-1]:
			matched[i-1] = true
			i--
			j--
		case dp[i-1][j] >= dp[i][j-1]:
			i--
		default:
			j--
		}
	}

	var spans []record.Span
	for idx := 0; idx < n; idx++ {
		if !matched[idx] {
			continue
		}
		if len(spans) > 0 && spans[len(spans)-1].End == idx {
			spans[len(spans)-1].End = idx + 1
			continue
		}
		spans = append(spans, record.Span{Start: idx, End: idx + 1})
	}
	return spans
}
