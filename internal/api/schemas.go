package api

// Amounts travel as decimal strings; plain JSON numbers are accepted as well.
const amountProperty = `{"type": ["string", "number"], "pattern": "^[0-9]+(\\.[0-9]+)?$", "exclusiveMinimum": 0}`

const currencyProperty = `{"type": "string", "pattern": "^[A-Z0-9]{2,10}$"}`

const bankAccountProperties = `
    "account_holder": {"type": "string", "minLength": 1, "maxLength": 255},
    "bank_name": {"type": "string", "minLength": 1, "maxLength": 255},
    "account_number": {"type": "string", "minLength": 4, "maxLength": 34},
    "routing_number": {"type": "string", "maxLength": 34},
    "iban": {"type": "string", "maxLength": 34},
    "swift": {"type": "string", "maxLength": 11},
    "currency": {"type": "string"},
    "verified": {"type": "boolean"}`

const createAccountSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["tenant_id", "name", "currency"],
  "properties": {
    "tenant_id": {"type": "string", "minLength": 1, "maxLength": 64},
    "owner_id": {"type": "string", "maxLength": 255},
    "name": {"type": "string", "minLength": 1, "maxLength": 255},
    "currency": ` + currencyProperty + `,
    "parent_account_id": {"type": "string"},
    "bank_account": {
      "type": "object",
      "additionalProperties": false,
      "properties": {` + bankAccountProperties + `}
    }
  }
}`

const bankAccountSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["account_holder", "bank_name", "account_number"],
  "properties": {` + bankAccountProperties + `}
}`

const accountStatusSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["status"],
  "properties": {
    "status": {"type": "string", "enum": ["ACTIVE", "SUSPENDED", "CLOSED"]}
  }
}`

const transferSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["from_account_id", "to_account_id", "amount", "currency"],
  "properties": {
    "from_account_id": {"type": "string", "minLength": 1},
    "to_account_id": {"type": "string", "minLength": 1},
    "amount": ` + amountProperty + `,
    "currency": ` + currencyProperty + `,
    "description": {"type": "string", "maxLength": 1024},
    "reference": {"type": "string", "maxLength": 255},
    "transaction_type": {"type": "string", "enum": ["BROKER_FUNDING", "USER_FUNDING", "USER_WITHDRAWAL", "BROKER_SETTLEMENT", "INTERNAL_TRANSFER"]},
    "metadata": {"type": "object"}
  }
}`

const externalTransferSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["account_id", "amount", "currency"],
  "properties": {
    "account_id": {"type": "string", "minLength": 1},
    "amount": ` + amountProperty + `,
    "currency": ` + currencyProperty + `,
    "description": {"type": "string", "maxLength": 1024},
    "reference": {"type": "string", "maxLength": 255},
    "metadata": {"type": "object"}
  }
}`

const approveSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["approved_by"],
  "properties": {
    "approved_by": {"type": "string", "minLength": 1, "maxLength": 255}
  }
}`

const rejectSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["reason"],
  "properties": {
    "reason": {"type": "string", "minLength": 1, "maxLength": 1024}
  }
}`

const createSegregationSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["tenant_id", "account_id", "segregation_type", "amount", "currency"],
  "properties": {
    "tenant_id": {"type": "string", "minLength": 1},
    "account_id": {"type": "string", "minLength": 1},
    "segregation_type": {"type": "string", "enum": ["CLIENT_FUNDS", "OPERATING_FUNDS", "REGULATORY_RESERVE"]},
    "amount": ` + amountProperty + `,
    "currency": ` + currencyProperty + `,
    "reason": {"type": "string", "maxLength": 1024}
  }
}`

const segregationStatusSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["status"],
  "properties": {
    "status": {"type": "string", "enum": ["ACTIVE", "RELEASED", "VIOLATED"]}
  }
}`

const platformBalanceSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["total"],
  "properties": {
    "total": {"type": ["string", "number"], "pattern": "^[0-9]+(\\.[0-9]+)?$", "minimum": 0}
  }
}`

const allocateFundsSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["broker_id", "customer_id", "amount"],
  "properties": {
    "broker_id": {"type": "string", "minLength": 1},
    "customer_id": {"type": "string", "minLength": 1},
    "amount": ` + amountProperty + `
  }
}`

const brokerAllocationSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["amount"],
  "properties": {
    "amount": ` + amountProperty + `
  }
}`

const proofSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["exchange_id", "asset", "exchange_balance", "internal_total"],
  "properties": {
    "exchange_id": {"type": "string", "minLength": 1},
    "asset": {"type": "string", "minLength": 1},
    "exchange_balance": {"type": ["string", "number"], "pattern": "^[0-9]+(\\.[0-9]+)?$", "minimum": 0},
    "internal_total": {"type": ["string", "number"], "pattern": "^[0-9]+(\\.[0-9]+)?$", "minimum": 0}
  }
}`
