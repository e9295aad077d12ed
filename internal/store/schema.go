package store

// schema is applied on startup. Entity tables carry the full struct as
// JSONB plus the columns queries filter on; version backs optimistic
// concurrency and deleted_at implements soft delete.
const schema = `
CREATE TABLE IF NOT EXISTS signals (
    id          TEXT PRIMARY KEY,
    symbol      TEXT NOT NULL,
    signal_day  TEXT NOT NULL,
    signal_type TEXT NOT NULL,
    direction   TEXT NOT NULL,
    status      TEXT NOT NULL,
    data        JSONB NOT NULL,
    version     BIGINT NOT NULL DEFAULT 1,
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL,
    deleted_at  TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS signals_dedupe
    ON signals (symbol, signal_day, signal_type, direction)
    WHERE status = 'ACTIVE' AND deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS signals_status ON signals (status);

CREATE TABLE IF NOT EXISTS signal_deliveries (
    id             TEXT PRIMARY KEY,
    signal_id      TEXT NOT NULL REFERENCES signals(id),
    user_broker_id TEXT NOT NULL,
    status         TEXT NOT NULL,
    data           JSONB NOT NULL,
    version        BIGINT NOT NULL DEFAULT 1,
    created_at     TIMESTAMPTZ NOT NULL,
    updated_at     TIMESTAMPTZ NOT NULL,
    deleted_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS deliveries_signal ON signal_deliveries (signal_id);
CREATE INDEX IF NOT EXISTS deliveries_pairing ON signal_deliveries (user_broker_id, status);

CREATE TABLE IF NOT EXISTS trade_intents (
    id          TEXT PRIMARY KEY,
    signal_id   TEXT NOT NULL,
    user_broker_id TEXT NOT NULL,
    status      TEXT NOT NULL,
    data        JSONB NOT NULL,
    version     BIGINT NOT NULL DEFAULT 1,
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL,
    deleted_at  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS trades (
    id             TEXT PRIMARY KEY,
    intent_id      TEXT NOT NULL UNIQUE,
    user_id        TEXT NOT NULL,
    user_broker_id TEXT NOT NULL,
    symbol         TEXT NOT NULL,
    status         TEXT NOT NULL,
    data           JSONB NOT NULL,
    version        BIGINT NOT NULL DEFAULT 1,
    created_at     TIMESTAMPTZ NOT NULL,
    updated_at     TIMESTAMPTZ NOT NULL,
    deleted_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS trades_status ON trades (status);
CREATE INDEX IF NOT EXISTS trades_symbol ON trades (symbol, status);

CREATE TABLE IF NOT EXISTS exit_intents (
    id         TEXT PRIMARY KEY,
    trade_id   TEXT NOT NULL REFERENCES trades(id),
    status     TEXT NOT NULL,
    data       JSONB NOT NULL,
    version    BIGINT NOT NULL DEFAULT 1,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    deleted_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS exit_intents_status ON exit_intents (status);
CREATE INDEX IF NOT EXISTS exit_intents_trade ON exit_intents (trade_id);

CREATE TABLE IF NOT EXISTS user_brokers (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL,
    data       JSONB NOT NULL,
    version    BIGINT NOT NULL DEFAULT 1,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    deleted_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS user_broker_sessions (
    id             TEXT PRIMARY KEY,
    user_broker_id TEXT NOT NULL,
    expires_at     TIMESTAMPTZ NOT NULL,
    data           JSONB NOT NULL,
    version        BIGINT NOT NULL DEFAULT 1,
    created_at     TIMESTAMPTZ NOT NULL,
    updated_at     TIMESTAMPTZ NOT NULL,
    deleted_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS sessions_pairing ON user_broker_sessions (user_broker_id, expires_at DESC);

CREATE TABLE IF NOT EXISTS oauth_states (
    id             TEXT PRIMARY KEY,
    state          TEXT NOT NULL UNIQUE,
    user_broker_id TEXT NOT NULL,
    expires_at     TIMESTAMPTZ NOT NULL,
    used_at        TIMESTAMPTZ,
    data           JSONB NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL,
    deleted_at     TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS portfolios (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL UNIQUE,
    data       JSONB NOT NULL,
    version    BIGINT NOT NULL DEFAULT 1,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    deleted_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS watchlists (
    id      TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    symbol  TEXT NOT NULL,
    UNIQUE (user_id, symbol)
);

CREATE TABLE IF NOT EXISTS instruments (
    exchange       TEXT NOT NULL,
    trading_symbol TEXT NOT NULL,
    data           JSONB NOT NULL,
    updated_at     TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (exchange, trading_symbol)
);

CREATE TABLE IF NOT EXISTS candles (
    symbol     TEXT NOT NULL,
    timeframe  TEXT NOT NULL,
    open_time  TIMESTAMPTZ NOT NULL,
    data       JSONB NOT NULL,
    PRIMARY KEY (symbol, timeframe, open_time)
);

CREATE TABLE IF NOT EXISTS tick_events (
    id          BIGSERIAL PRIMARY KEY,
    symbol      TEXT NOT NULL,
    received_at TIMESTAMPTZ NOT NULL,
    data        JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS tick_events_symbol ON tick_events (symbol, received_at);
`
