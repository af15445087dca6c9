// Package openai wraps the official OpenAI SDK behind llm.Provider.
package openai
