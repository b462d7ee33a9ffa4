package providers

import "unicode/utf8"

// EstimateTokens approximates input tokens as ceil((chars + overhead*msgs) / 4).
// It is not billing accurate.
func EstimateTokens(msgs []Message, perMessageOverhead int) int {
	chars := 0
	for _, m := range msgs {
		for _, p := range m.Content {
			chars += utf8.RuneCountInString(p.Text)
		}
	}
	total := chars + perMessageOverhead*len(msgs)
	return (total + 3) / 4
}
