// Package anthropic wraps the official Anthropic SDK behind llm.Provider.
package anthropic
