package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "CertSouq API",
        "description": "CompTIA exam voucher storefront and fulfillment back office",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http"
    ],
    "securityDefinitions": {
        "BearerAuth": {
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    },
    "tags": [
        {"name": "Catalog", "description": "Public certificate storefront"},
        {"name": "Auth", "description": "Login, token refresh and sessions"},
        {"name": "Orders", "description": "Voucher orders and invoices"},
        {"name": "Inventory", "description": "Voucher stock and batch imports"},
        {"name": "Fulfillment", "description": "Voucher assignment and delivery"},
        {"name": "Institutions", "description": "Institutional account onboarding"}
    ],
    "paths": {
        "/catalog": {
            "get": {
                "tags": ["Catalog"],
                "summary": "List active certificates with availability",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/catalog/{id}": {
            "get": {
                "tags": ["Catalog"],
                "summary": "Get certificate",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/auth/login": {
            "post": {
                "tags": ["Auth"],
                "summary": "Authenticate and issue a token pair",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/LoginRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "401": {"description": "Invalid credentials", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/auth/refresh": {
            "post": {
                "tags": ["Auth"],
                "summary": "Rotate a refresh token",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/RefreshRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/auth/logout": {
            "post": {
                "tags": ["Auth"],
                "summary": "Revoke a refresh token",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/RefreshRequest"}}
                ],
                "responses": {
                    "204": {"description": "Revoked"}
                }
            }
        },
        "/auth/password": {
            "put": {
                "tags": ["Auth"],
                "summary": "Change password and revoke sessions",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/ChangePasswordRequest"}}
                ],
                "responses": {
                    "204": {"description": "Changed"}
                }
            }
        },
        "/orders": {
            "post": {
                "tags": ["Orders"],
                "summary": "Create an order",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CreateOrderRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/orders/roster": {
            "post": {
                "tags": ["Orders"],
                "summary": "Create an order from a recipient roster CSV",
                "security": [{"BearerAuth": []}],
                "consumes": ["multipart/form-data"],
                "parameters": [
                    {"name": "roster", "in": "formData", "required": true, "type": "file"},
                    {"name": "certificate_id", "in": "formData", "required": true, "type": "string"}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/institutions/register": {
            "post": {
                "tags": ["Institutions"],
                "summary": "File an institutional registration for review",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/RegisterInstitutionRequest"}}
                ],
                "responses": {
                    "201": {"description": "Pending review", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/admin/certificates": {
            "get": {
                "tags": ["Catalog"],
                "summary": "List certificates (back office)",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "category", "in": "query", "type": "string"},
                    {"name": "active", "in": "query", "type": "boolean"},
                    {"name": "search", "in": "query", "type": "string"},
                    {"name": "page", "in": "query", "type": "integer"},
                    {"name": "limit", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "post": {
                "tags": ["Catalog"],
                "summary": "Create certificate",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CertificateRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/admin/vouchers": {
            "get": {
                "tags": ["Inventory"],
                "summary": "List vouchers",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "certificate_id", "in": "query", "type": "string"},
                    {"name": "status", "in": "query", "type": "string"},
                    {"name": "batch_id", "in": "query", "type": "string"},
                    {"name": "page", "in": "query", "type": "integer"},
                    {"name": "limit", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/admin/vouchers/import": {
            "post": {
                "tags": ["Inventory"],
                "summary": "Import a voucher batch",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/ImportBatchRequest"}}
                ],
                "responses": {
                    "201": {"description": "Imported", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Duplicate codes", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/admin/vouchers/expire-sweep": {
            "post": {
                "tags": ["Inventory"],
                "summary": "Expire overdue vouchers",
                "security": [{"BearerAuth": []}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/admin/orders/{id}/mark-paid": {
            "post": {
                "tags": ["Orders"],
                "summary": "Mark an order paid and issue its invoice",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Already paid", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/admin/orders/{id}/fulfill": {
            "post": {
                "tags": ["Fulfillment"],
                "summary": "Assign and deliver vouchers for a paid order",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "Delivery summary", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Insufficient inventory", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/admin/orders/{id}/deliver-bulk": {
            "post": {
                "tags": ["Fulfillment"],
                "summary": "Queue a bulk voucher delivery",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "202": {"description": "Queued", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/admin/institutions/{id}/review": {
            "post": {
                "tags": ["Institutions"],
                "summary": "Approve or reject a pending institution",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/ReviewInstitutionRequest"}}
                ],
                "responses": {
                    "200": {"description": "Reviewed", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Already reviewed", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "LoginRequest": {
            "type": "object",
            "properties": {
                "email": {"type": "string"},
                "password": {"type": "string"}
            },
            "required": ["email", "password"]
        },
        "RefreshRequest": {
            "type": "object",
            "properties": {
                "refresh_token": {"type": "string"}
            },
            "required": ["refresh_token"]
        },
        "ChangePasswordRequest": {
            "type": "object",
            "properties": {
                "old_password": {"type": "string"},
                "new_password": {"type": "string"}
            },
            "required": ["old_password", "new_password"]
        },
        "CreateOrderRequest": {
            "type": "object",
            "properties": {
                "institution_id": {"type": "string"},
                "customer_name": {"type": "string"},
                "customer_email": {"type": "string"},
                "certificate_id": {"type": "string"},
                "quantity": {"type": "integer"},
                "delivery_method": {"type": "string", "enum": ["DIRECT_TO_STUDENTS", "BULK_TO_CONTACT"]},
                "recipients": {
                    "type": "array",
                    "items": {"$ref": "#/definitions/RecipientInput"}
                }
            },
            "required": ["customer_name", "customer_email", "certificate_id", "quantity", "delivery_method"]
        },
        "RecipientInput": {
            "type": "object",
            "properties": {
                "name": {"type": "string"},
                "email": {"type": "string"},
                "student_ref": {"type": "string"}
            },
            "required": ["name", "email"]
        },
        "CertificateRequest": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "category": {"type": "string"},
                "name_en": {"type": "string"},
                "name_ar": {"type": "string"},
                "description_en": {"type": "string"},
                "description_ar": {"type": "string"},
                "exam_codes": {"type": "array", "items": {"type": "string"}},
                "validity_months": {"type": "integer"},
                "retail_price": {"type": "integer"},
                "institutional_price": {"type": "integer"},
                "active": {"type": "boolean"}
            },
            "required": ["code", "category", "name_en", "name_ar", "exam_codes", "validity_months", "retail_price", "institutional_price"]
        },
        "ImportBatchRequest": {
            "type": "object",
            "properties": {
                "certificate_id": {"type": "string"},
                "source": {"type": "string"},
                "external_ref": {"type": "string"},
                "unit_cost": {"type": "integer"},
                "purchased_at": {"type": "string", "format": "date-time"},
                "expires_at": {"type": "string", "format": "date-time"},
                "codes": {"type": "array", "items": {"type": "string"}}
            },
            "required": ["certificate_id", "source", "purchased_at", "expires_at", "codes"]
        },
        "RegisterInstitutionRequest": {
            "type": "object",
            "properties": {
                "name_en": {"type": "string"},
                "name_ar": {"type": "string"},
                "cr_number": {"type": "string"},
                "vat_number": {"type": "string"},
                "contact_name": {"type": "string"},
                "contact_email": {"type": "string"},
                "contact_phone": {"type": "string"},
                "city": {"type": "string"}
            },
            "required": ["name_en", "name_ar", "cr_number", "vat_number", "contact_name", "contact_email", "contact_phone", "city"]
        },
        "ReviewInstitutionRequest": {
            "type": "object",
            "properties": {
                "approve": {"type": "boolean"},
                "note": {"type": "string"}
            },
            "required": ["approve"]
        },
        "Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total_count": {"type": "integer"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "pagination": {"$ref": "#/definitions/Pagination"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
