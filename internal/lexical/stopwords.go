package lexical

var stopwordSets = map[string]map[string]struct{}{
	"english": setOf(
		"a", "an", "and", "are", "as", "at", "be", "been", "but", "by",
		"did", "do", "does", "for", "from", "had", "has", "have", "he", "her",
		"his", "how", "if", "in", "into", "is", "it", "its", "me", "my",
		"no", "not", "of", "on", "or", "our", "she", "so", "such", "than",
		"that", "the", "their", "them", "then", "there", "these", "they", "this", "to",
		"us", "was", "we", "were", "what", "when", "where", "which", "who", "why",
		"will", "with", "you", "your",
	),
}

func setOf(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
