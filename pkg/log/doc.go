/*
Package log provides structured logging for Burrow using zerolog.

Init configures the global logger once at startup; components derive child
loggers with WithComponent and attach workspace, session, or journal
revision fields where they have them.
*/
package log
