package ingest

import "math"

// ComputeWorkScore counts the leading literal '0' characters of id and
// returns that count with 16^count. This is a prefix heuristic over the
// claimed id; nothing is hashed or verified.
func ComputeWorkScore(id string) (difficulty int, score float64) {
	for difficulty < len(id) && id[difficulty] == '0' {
		difficulty++
	}
	return difficulty, math.Pow(16, float64(difficulty))
}
