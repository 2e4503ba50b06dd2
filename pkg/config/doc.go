/*
Package config loads Deckflow configuration through viper.

Resolution order is defaults, then an optional YAML config file, then
DECKFLOW_* environment variables (DECKFLOW_DATABASE_URL overrides
database_url, and so on). Every tunable from the scheduler design has a
default here so a worker can start with nothing but a database URL.
*/
package config
