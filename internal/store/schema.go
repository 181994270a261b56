package store

// schema defines the Task Store's durable shape (component C2). Dependencies
// are modeled as an edge table rather than a JSON array column so the Index
// Coordinator's dependency index and the state machine's blocking checks can
// both query it directly, mirroring the teacher's edge-schema dependencies
// table (storage/sqlite/schema.go) rather than its earlier JSON-array design.
const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	path TEXT PRIMARY KEY,
	name TEXT NOT NULL CHECK(length(name) <= 200),
	type TEXT NOT NULL DEFAULT 'TASK',
	status TEXT NOT NULL DEFAULT 'PENDING',
	parent_path TEXT DEFAULT '',
	project_path TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	reasoning TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT '{}',
	metadata TEXT NOT NULL DEFAULT '{}',
	status_metadata TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	FOREIGN KEY (parent_path) REFERENCES tasks(path) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_path);
CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_path);

CREATE TABLE IF NOT EXISTS dependencies (
	task_path TEXT NOT NULL,
	depends_on_path TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (task_path, depends_on_path),
	FOREIGN KEY (task_path) REFERENCES tasks(path) ON DELETE CASCADE,
	FOREIGN KEY (depends_on_path) REFERENCES tasks(path) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_dependencies_task ON dependencies(task_path);
CREATE INDEX IF NOT EXISTS idx_dependencies_depends_on ON dependencies(depends_on_path);

CREATE TABLE IF NOT EXISTS knowledge (
	id TEXT PRIMARY KEY,
	project_path TEXT NOT NULL,
	domain TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL,
	tags TEXT NOT NULL DEFAULT '[]',
	citations TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_knowledge_project ON knowledge(project_path);

CREATE TABLE IF NOT EXISTS dirty_tasks (
	path TEXT PRIMARY KEY,
	marked_at INTEGER NOT NULL
);
`
