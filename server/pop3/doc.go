// Package pop3 adapts the listener to a small POP3 subset for legacy mail
// clients.
//
// # Session
//
// Each connection carries its own session: the USER name, whether PASS
// succeeded, the message list loaded at login and the indices marked by
// DELE. Message numbers are fixed for the whole session; deleted messages
// drop out of STAT and LIST but never renumber the rest.
//
// # Commands
//
//	USER name    +OK send password
//	PASS secret  +OK mailbox ready | -ERR invalid credentials
//	STAT         +OK <count> <octets>
//	LIST [n]     +OK <count> messages (<octets> octets), scan lines, "."
//	UIDL [n]     +OK, "<n> <id>" lines, "."
//	RETR n       +OK <size> octets, dot-stuffed body, "."
//	DELE n       +OK message <n> deleted
//	CAPA, NOOP, QUIT
//
// Out-of-range or malformed message numbers answer -ERR. Anything else is
// answered with nothing, which makes the listener drop the connection.
// Failures of the user or mail store are logged and also answered with
// nothing.
package pop3
