// Package clarify decides whether a user request is specific enough to act on.
//
// # Engines
//
// Two engines implement the Engine interface and are selected by
// configuration through New:
//
//   - Heuristic matches the request against intent frames (travel, schedule,
//     buy, write, build) and asks one question per required slot the request,
//     the conversation history or earlier answers have not filled. Arithmetic
//     and plain factual questions need no clarification.
//   - ModelEngine asks a language model through a Completer (Ollama or any
//     OpenAI-compatible API) at temperature 0 with a fixed seed. Replies are
//     parsed from a markdown list and memoized by a hash of the request, the
//     context and the model name. When the model fails the engine falls back
//     to the heuristic.
//
// # Ordering
//
// Questions are ordered by descending priority, ties keep their input order,
// and ids are assigned q1, q2, ... in final order. A slot is never asked
// twice in one evaluation.
package clarify
