// Package memory provides a persistent, owner-isolated memory store with
// relevance-ranked retrieval for long-running conversations.
//
// Facts extracted from dialogue are persisted as Records with semantic
// embeddings. Retrieval blends cosine similarity, recency, decayed
// importance, and access frequency into a single composite score, so the
// answer to "what matters for this query, right now" changes as memories
// age and get reused. Records are namespaced by Owner for multi-user
// support; no operation compares or ranks across owners.
//
// Architecture:
//   - Store: record table + similarity index (chromem-go for local use)
//   - Embedder: text-to-vector conversion (ONNX local, mock for tests)
//   - Extractor: conversation-to-candidate-facts (Claude, heuristic)
//   - Scorer: composite relevance ranking with decay
//   - Consolidator: background merge of near-duplicates and decay pruning
//   - Manager: the query surface (Retrieve, AddCandidate, Forget, Export)
//
// Lifecycle: a record is ACTIVE from creation until consolidation merges
// it (SUPERSEDED), decay prunes it (PRUNED), or the owner forgets it
// (DELETED). All three end states are terminal and invisible to queries.
package memory
