package docstore

// studentFields are the fields whose joint presence marks a document as a
// student record, which is then held to a stricter shape.
var studentFields = [...]string{"Name", "Age", "Grade", "Class", "Subjects"}

// ParseValue interprets raw input text as a document value.
//
// Text that parses as a single JSON document becomes the corresponding value.
// Anything else, including the empty string, is kept verbatim as a String.
//
// An object carrying all of Name, Age, Grade, Class and Subjects must also
// have the student shape (Name string, Age integer, Grade integer or string,
// Class string, Subjects array of strings); when it does not, the raw text is
// kept as a String instead. ParseValue never fails.
func ParseValue(raw string) Value {
	v, err := decodeJSON([]byte(raw))
	if err != nil {
		return String(raw)
	}

	if isStudentCandidate(v) && !hasStudentShape(v) {
		return String(raw)
	}

	return v
}

func isStudentCandidate(v Value) bool {
	if v.Kind() != KindObject {
		return false
	}

	for _, name := range studentFields {
		if _, ok := v.Field(name); !ok {
			return false
		}
	}

	return true
}

func hasStudentShape(v Value) bool {
	name, _ := v.Field("Name")
	age, _ := v.Field("Age")
	grade, _ := v.Field("Grade")
	class, _ := v.Field("Class")
	subjects, _ := v.Field("Subjects")

	if name.Kind() != KindString || age.Kind() != KindInt || class.Kind() != KindString {
		return false
	}

	if grade.Kind() != KindInt && grade.Kind() != KindString {
		return false
	}

	if subjects.Kind() != KindArray {
		return false
	}

	for _, s := range subjects.arr {
		if s.Kind() != KindString {
			return false
		}
	}

	return true
}
