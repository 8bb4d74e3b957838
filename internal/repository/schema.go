package repository

// Schema definitions for the Ibis database.
// Compatible with both SQLite and PostgreSQL.

const schemaInvoices = `
CREATE TABLE IF NOT EXISTS invoices (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    payer_id TEXT NOT NULL,
    payee TEXT NOT NULL,
    amount REAL NOT NULL,
    currency TEXT NOT NULL,
    invoice_date TIMESTAMP NOT NULL,
    description TEXT,
    created_at TIMESTAMP NOT NULL,
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_invoices_tenant ON invoices(tenant_id);
CREATE INDEX IF NOT EXISTS idx_invoices_payer ON invoices(tenant_id, payer_id, created_at);
CREATE INDEX IF NOT EXISTS idx_invoices_payee ON invoices(tenant_id, payee);
`

const schemaAnalyses = `
CREATE TABLE IF NOT EXISTS analyses (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    invoice_id TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    risk_score INTEGER NOT NULL,
    risk_level TEXT NOT NULL,
    confidence INTEGER NOT NULL,
    payee_standing TEXT NOT NULL,
    anomalies TEXT NOT NULL,
    recommendations TEXT NOT NULL,
    explanation TEXT NOT NULL,
    factors TEXT NOT NULL,
    metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_analyses_tenant ON analyses(tenant_id);
CREATE INDEX IF NOT EXISTS idx_analyses_invoice ON analyses(tenant_id, invoice_id);
CREATE INDEX IF NOT EXISTS idx_analyses_level ON analyses(tenant_id, risk_level);
`

const schemaReputations = `
CREATE TABLE IF NOT EXISTS reputations (
    tenant_id TEXT NOT NULL,
    payee TEXT NOT NULL,
    score REAL NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, payee)
);
`

const schemaGateConfigs = `
CREATE TABLE IF NOT EXISTS gate_configs (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    expression TEXT NOT NULL,
    outcome TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 100,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_gate_configs_tenant ON gate_configs(tenant_id);
CREATE INDEX IF NOT EXISTS idx_gate_configs_enabled ON gate_configs(tenant_id, enabled);
`

const schemaEscrowInvoices = `
CREATE TABLE IF NOT EXISTS escrow_invoices (
    invoice_hash TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    invoice_id TEXT NOT NULL,
    submitter_id TEXT NOT NULL,
    payee TEXT NOT NULL,
    amount REAL NOT NULL,
    risk_score INTEGER NOT NULL,
    status INTEGER NOT NULL DEFAULT 0,
    metadata TEXT,
    submitted_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (invoice_hash, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_escrow_tenant ON escrow_invoices(tenant_id);
CREATE INDEX IF NOT EXISTS idx_escrow_submitter ON escrow_invoices(tenant_id, submitter_id);
CREATE INDEX IF NOT EXISTS idx_escrow_status ON escrow_invoices(tenant_id, status);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaInvoices,
		schemaAnalyses,
		schemaReputations,
		schemaGateConfigs,
		schemaEscrowInvoices,
	}
}
