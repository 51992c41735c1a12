// ABOUTME: SQLite database schema for conversation storage
// ABOUTME: Conversations own append-only turns ordered by created_at then id
package sqlite

// Schema contains all SQL statements for database initialization
const Schema = `
-- Conversations (one per buyer or vendor session)
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    persona TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

-- Turns (user and assistant messages; tool messages are rebuilt on replay)
CREATE TABLE IF NOT EXISTS conversation_turns (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
    content TEXT NOT NULL DEFAULT '',
    tool_call TEXT,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL
);

-- Indexes for efficient querying
CREATE INDEX IF NOT EXISTS idx_turns_conversation ON conversation_turns(conversation_id, created_at, id);
CREATE INDEX IF NOT EXISTS idx_conversations_persona ON conversations(persona, created_at);
`

// SchemaVersion is the current schema version for migrations
const SchemaVersion = 1
