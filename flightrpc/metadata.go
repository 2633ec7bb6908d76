package flightrpc

// Well-known call metadata keys and method names of the flight_rpc wire
// protocol. Method names are part of the interoperability contract and must
// match any compliant peer exactly.
const (
	MetaRequestID     = "flight_rpc.request_id"
	MetaDeadline      = "flight_rpc.deadline_unix_ns"
	MetaAuthorization = "authorization"

	ProtocolVersion = "1"
)

const (
	MethodHandshake      = "Handshake"
	MethodListFlights    = "ListFlights"
	MethodGetFlightInfo  = "GetFlightInfo"
	MethodGetSchema      = "GetSchema"
	MethodPollFlightInfo = "PollFlightInfo"
	MethodDoGet          = "DoGet"
	MethodDoPut          = "DoPut"
	MethodDoExchange     = "DoExchange"
	MethodDoAction       = "DoAction"
	MethodListActions    = "ListActions"
)
