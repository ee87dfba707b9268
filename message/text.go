package message

// response contents shown verbatim by the client
const (
	TextLoginFailed    = "Username and/or password incorrect or does not exist"
	TextInvalidSession = "Invalid Session"
	TextServerError    = "Server Error"
	TextUserNotFound   = "User doesn't exist"
	TextWallEmpty      = "No wall contents"
	TextPostAccepted   = "Post successful"
	TextLoggedOut      = "Logged out"
)
