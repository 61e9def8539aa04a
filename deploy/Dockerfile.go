# Builds one binary per image: SERVICE=api|worker|ledger-indexer|alert-relay
FROM golang:1.24-alpine AS builder

ARG SERVICE=api

WORKDIR /src

COPY go.mod go.sum ./
RUN go mod download

COPY cmd ./cmd
COPY internal ./internal

RUN CGO_ENABLED=0 GOOS=linux go build -trimpath -ldflags="-s -w" -o /out/service ./cmd/${SERVICE}

FROM alpine:3.19

RUN apk add --no-cache ca-certificates tzdata \
    && adduser -D -H -u 10001 dealbridge

WORKDIR /app

COPY --from=builder /out/service .
# The api applies migrations on start when STORE_DRIVER=postgres.
COPY migrations ./migrations

USER dealbridge

EXPOSE 3000

CMD ["./service"]
