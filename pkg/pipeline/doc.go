/*
Package pipeline turns declarative templates into task DAGs.

A template lists task specifications — kind, weight, max_retries, and the
kinds it depends on. Validation rejects duplicate kinds, undefined
upstream references, and cycles before anything touches the database;
submission then inserts all tasks and edges of the pipeline in one
transaction, so callers either get a complete DAG or nothing.

Templates can be loaded from YAML files. DeckAnalysisTemplate is the
built-in six-task production pipeline for uploaded pitch decks.
*/
package pipeline
