package anthropic

// BuildCachedSystemBlocks marks text as a prompt-cache breakpoint. The
// extraction prompt embeds the whole schema and repeats on every loop
// iteration, so consecutive calls within five minutes hit the cache.
func BuildCachedSystemBlocks(text string) []SystemBlock {
	return []SystemBlock{
		{
			Text:         text,
			CacheControl: &CacheControl{TTL: "5m"},
		},
	}
}
