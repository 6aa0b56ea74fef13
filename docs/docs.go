// Package docs holds the OpenAPI description of the bridge API, registered
// with swag so gin-swagger can serve it. Regenerate with:
//
//	swag init -g internal/http/router.go -o docs
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/session": {
            "get": {"tags": ["Session"], "summary": "Current session", "operationId": "getSession", "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.SessionResponse"} },
                              "401": {"description": "Not signed in", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"} } } },
            "post": {"tags": ["Session"], "summary": "Sign in", "operationId": "signIn", "consumes": ["application/json"], "produces": ["application/json"],
                "parameters": [{"in": "body", "name": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.SignInRequest"} }],
                "responses": {"201": {"description": "Created", "schema": {"$ref": "#/definitions/handlers.SessionResponse"} },
                              "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"} },
                              "401": {"description": "Credentials rejected", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"} },
                              "502": {"description": "Backend unreachable", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"} } } },
            "delete": {"tags": ["Session"], "summary": "Sign out", "operationId": "signOut",
                "responses": {"204": {"description": "No Content"} } }
        },
        "/accounts": {
            "post": {"tags": ["Session"], "summary": "Create an account", "operationId": "register", "consumes": ["application/json"], "produces": ["application/json"],
                "parameters": [{"in": "body", "name": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.RegisterRequest"} }],
                "responses": {"201": {"description": "Created", "schema": {"$ref": "#/definitions/handlers.SessionResponse"} },
                              "400": {"description": "Invalid or rejected details", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"} },
                              "502": {"description": "Backend unreachable", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"} } } }
        },
        "/conversations": {
            "get": {"tags": ["Conversations"], "summary": "List conversations (paginated)", "operationId": "listConversations", "produces": ["application/json"],
                "parameters": [
                    {"type": "string", "in": "header", "name": "If-None-Match"},
                    {"type": "integer", "default": 1, "minimum": 1, "in": "query", "name": "page"},
                    {"type": "integer", "default": 20, "minimum": 1, "maximum": 100, "in": "query", "name": "page_size"}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.ListConversationsResponse"}, "headers": {"ETag": {"type": "string"} } },
                              "304": {"description": "Not Modified"},
                              "401": {"description": "Session expired", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"} },
                              "502": {"description": "Backend unreachable and nothing cached", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"} } } }
        },
        "/conversations/{id}": {
            "delete": {"tags": ["Conversations"], "summary": "Close a conversation", "operationId": "closeConversation",
                "parameters": [{"type": "string", "in": "path", "name": "id", "required": true}],
                "responses": {"204": {"description": "No Content"} } }
        },
        "/conversations/{id}/open": {
            "post": {"tags": ["Conversations"], "summary": "Open a conversation", "operationId": "openConversation", "produces": ["application/json"],
                "parameters": [{"type": "string", "in": "path", "name": "id", "required": true}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/services.View"} },
                              "502": {"description": "History could not be loaded", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"} } } }
        },
        "/conversations/{id}/draft": {
            "put": {"tags": ["Conversations"], "summary": "Update the composer", "operationId": "updateDraft", "consumes": ["application/json"],
                "parameters": [{"type": "string", "in": "path", "name": "id", "required": true},
                               {"in": "body", "name": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.DraftRequest"} }],
                "responses": {"204": {"description": "No Content"},
                              "404": {"description": "Conversation not open", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"} } } }
        },
        "/conversations/{id}/events": {
            "get": {"tags": ["Conversations"], "summary": "Stream view changes (SSE)", "operationId": "streamEvents", "produces": ["text/event-stream"],
                "parameters": [{"type": "string", "in": "path", "name": "id", "required": true}],
                "responses": {"200": {"description": "view, ping and closed events", "schema": {"$ref": "#/definitions/services.View"} },
                              "404": {"description": "Conversation not open", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"} } } }
        },
        "/conversations/{id}/messages": {
            "get": {"tags": ["Conversations"], "summary": "Current view of an open conversation", "operationId": "getView", "produces": ["application/json"],
                "parameters": [{"type": "string", "in": "path", "name": "id", "required": true},
                               {"type": "string", "in": "header", "name": "If-None-Match"}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/services.View"}, "headers": {"ETag": {"type": "string"} } },
                              "304": {"description": "Not Modified"},
                              "404": {"description": "Conversation not open", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"} } } },
            "post": {"tags": ["Messages"], "summary": "Send a message", "operationId": "sendMessage", "consumes": ["application/json"], "produces": ["application/json"],
                "parameters": [{"type": "string", "in": "path", "name": "id", "required": true},
                               {"type": "string", "in": "header", "name": "Idempotency-Key"},
                               {"in": "body", "name": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.SendMessageRequest"} }],
                "responses": {"201": {"description": "Created", "schema": {"$ref": "#/definitions/handlers.MessageResponse"} },
                              "204": {"description": "Nothing to send"},
                              "404": {"description": "Conversation not open", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"} },
                              "409": {"description": "Send in flight", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"} },
                              "502": {"description": "Message could not be sent", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"} } } }
        },
        "/conversations/{id}/messages/{key}/retry": {
            "post": {"tags": ["Messages"], "summary": "Retry a failed message", "operationId": "retryMessage", "produces": ["application/json"],
                "parameters": [{"type": "string", "in": "path", "name": "id", "required": true},
                               {"type": "string", "in": "path", "name": "key", "required": true}],
                "responses": {"201": {"description": "Created", "schema": {"$ref": "#/definitions/handlers.MessageResponse"} },
                              "409": {"description": "Message cannot be retried", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"} } } }
        },
        "/receivers/{id}/messages": {
            "post": {"tags": ["Messages"], "summary": "Send a message with an attached post", "operationId": "sendToReceiver", "consumes": ["application/json"], "produces": ["application/json"],
                "parameters": [{"type": "string", "in": "path", "name": "id", "required": true},
                               {"in": "body", "name": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.AttachmentRequest"} }],
                "responses": {"201": {"description": "Created", "schema": {"$ref": "#/definitions/handlers.MessageResponse"} },
                              "400": {"description": "Validation failed", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"} },
                              "502": {"description": "Message could not be sent", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"} } } }
        }
    },
    "definitions": {
        "domain.User": {"type": "object", "properties": {"id": {"type": "string"}, "display_name": {"type": "string"}, "avatar_url": {"type": "string"} } },
        "domain.PostRef": {"type": "object", "properties": {"id": {"type": "string"}, "image_url": {"type": "string"}, "caption": {"type": "string"} } },
        "domain.Message": {"type": "object", "properties": {
            "id": {"type": "string"}, "provisional_id": {"type": "string"}, "conversation_id": {"type": "string"},
            "sender": {"$ref": "#/definitions/domain.User"}, "content": {"type": "string"},
            "post": {"$ref": "#/definitions/domain.PostRef"}, "created_at": {"type": "string", "format": "date-time"},
            "state": {"type": "string", "enum": ["pending", "confirmed", "failed"]} } },
        "services.View": {"type": "object", "properties": {
            "conversation_id": {"type": "string"}, "counterpart": {"$ref": "#/definitions/domain.User"},
            "state": {"type": "string", "enum": ["unloaded", "loading", "ready", "load-error"]},
            "messages": {"type": "array", "items": {"$ref": "#/definitions/domain.Message"} },
            "sending": {"type": "boolean"}, "draft": {"type": "string"}, "composing": {"type": "boolean"},
            "notice": {"type": "string"}, "version": {"type": "integer"} } },
        "services.InboxItem": {"type": "object", "properties": {
            "id": {"type": "string"}, "counterpart": {"$ref": "#/definitions/domain.User"},
            "last_message": {"$ref": "#/definitions/domain.Message"}, "updated_at": {"type": "string", "format": "date-time"},
            "title": {"type": "string"}, "preview": {"type": "string"}, "time_ago": {"type": "string"} } },
        "handlers.Pagination": {"type": "object", "properties": {
            "page": {"type": "integer"}, "page_size": {"type": "integer"}, "total": {"type": "integer"},
            "total_pages": {"type": "integer"}, "has_next": {"type": "boolean"} } },
        "handlers.ListConversationsResponse": {"type": "object", "properties": {
            "conversations": {"type": "array", "items": {"$ref": "#/definitions/services.InboxItem"} },
            "pagination": {"$ref": "#/definitions/handlers.Pagination"}, "stale": {"type": "boolean"}, "notice": {"type": "string"} } },
        "handlers.SignInRequest": {"type": "object", "required": ["username", "password"], "properties": {"username": {"type": "string"}, "password": {"type": "string"} } },
        "handlers.RegisterRequest": {"type": "object", "required": ["email", "username", "display_name", "password"], "properties": {"email": {"type": "string"}, "username": {"type": "string"}, "display_name": {"type": "string"}, "password": {"type": "string"} } },
        "handlers.SessionResponse": {"type": "object", "properties": {"user": {"$ref": "#/definitions/domain.User"} } },
        "handlers.SendMessageRequest": {"type": "object", "properties": {"content": {"type": "string"} } },
        "handlers.DraftRequest": {"type": "object", "properties": {"draft": {"type": "string"}, "composing": {"type": "boolean"} } },
        "handlers.AttachmentRequest": {"type": "object", "properties": {"content": {"type": "string"}, "post": {"$ref": "#/definitions/domain.PostRef"} } },
        "handlers.MessageResponse": {"type": "object", "properties": {"message": {"$ref": "#/definitions/domain.Message"}, "notice": {"type": "string"} } },
        "handlers.ErrorResponse": {"type": "object", "properties": {"request_id": {"type": "string"}, "code": {"type": "string"}, "message": {"type": "string"} } }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "memora bridge API",
	Description:      "Local HTTP bridge of the memora messaging client.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
