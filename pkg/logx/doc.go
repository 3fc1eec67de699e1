// Package logx is notifyd's structured logging, a thin layer over zerolog.
//
// Components accept a Logger and scope it with With(String("comp", ...)).
// The Service behind it can change level and sinks on config reload without
// the components noticing.
package logx
